package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/account-ledger/internal/models"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Postgres handles PostgreSQL database operations
type Postgres struct {
	db *sql.DB
}

// creates a new Postgres instance
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// initialize the database schema
func (p *Postgres) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id                VARCHAR(36) PRIMARY KEY,
		user_id           VARCHAR(64) NOT NULL,
		account_number    VARCHAR(32) NOT NULL UNIQUE,
		account_type      VARCHAR(16) NOT NULL,
		currency          CHAR(3) NOT NULL,
		balance           DECIMAL(20, 2) NOT NULL CHECK (balance >= 0),
		status            VARCHAR(16) NOT NULL,
		suspension_reason TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		suspended_at      TIMESTAMPTZ,
		closed_at         TIMESTAMPTZ,
		version           BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS accounts_user_id_idx ON accounts (user_id);

	CREATE TABLE IF NOT EXISTS transactions (
		sequence      BIGSERIAL PRIMARY KEY,
		id            VARCHAR(32) NOT NULL UNIQUE,
		account_id    VARCHAR(36) NOT NULL REFERENCES accounts (id),
		type          VARCHAR(8) NOT NULL,
		amount        DECIMAL(20, 2) NOT NULL CHECK (amount > 0),
		balance_after DECIMAL(20, 2) NOT NULL,
		reference     VARCHAR(255) NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		CONSTRAINT transactions_reference_key UNIQUE (reference)
	);
	CREATE INDEX IF NOT EXISTS transactions_account_created_idx ON transactions (account_id, created_at, sequence);

	CREATE TABLE IF NOT EXISTS outbox (
		position    BIGSERIAL PRIMARY KEY,
		id          VARCHAR(36) NOT NULL UNIQUE,
		account_id  VARCHAR(36) NOT NULL,
		event_type  VARCHAR(64) NOT NULL,
		payload     JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		sent_at     TIMESTAMPTZ,
		attempts    INT NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (position) WHERE sent_at IS NULL;`

	_, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Commit writes the account, the ledger entry and the outbox rows in one
// transaction. The account row is locked with FOR UPDATE and its version
// compared so that two processes cannot both apply a mutation computed from
// the same state.
func (p *Postgres) Commit(ctx context.Context, m Mutation) (err error) {
	if m.Account == nil {
		return fmt.Errorf("commit without account: %w", models.ErrInvalidRequest)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	a := m.Account
	if m.Create {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, account_number, account_type, currency, balance, status,
			suspension_reason, created_at, updated_at, suspended_at, closed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			a.ID, a.UserID, a.AccountNumber, a.Type, a.Currency, a.Balance, a.Status,
			a.SuspensionReason, a.CreatedAt, a.UpdatedAt, a.SuspendedAt, a.ClosedAt, a.Version+1,
		)
		if err != nil {
			if isUniqueViolation(err, "accounts_account_number_key") {
				return ErrDuplicateAccountNumber
			}
			return fmt.Errorf("failed to create account: %w", err)
		}
	} else {
		// Get current version with row lock
		var current int64
		err = tx.QueryRowContext(ctx, "SELECT version FROM accounts WHERE id = $1 FOR UPDATE", a.ID).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("account %s: %w", a.ID, models.ErrAccountNotFound)
			}
			return fmt.Errorf("failed to lock account: %w", err)
		}
		if current != a.Version {
			err = fmt.Errorf("account %s at version %d, expected %d: %w", a.ID, current, a.Version, models.ErrConcurrentModification)
			return err
		}

		_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $1, status = $2, suspension_reason = $3, updated_at = $4,
			suspended_at = $5, closed_at = $6, version = version + 1
		WHERE id = $7`,
			a.Balance, a.Status, a.SuspensionReason, a.UpdatedAt, a.SuspendedAt, a.ClosedAt, a.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
	}

	if e := m.Entry; e != nil {
		err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions (id, account_id, type, amount, balance_after, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING sequence`,
			e.ID, e.AccountID, e.Type, e.Amount, e.BalanceAfter, e.Reference, e.Description, e.CreatedAt,
		).Scan(&e.Sequence)
		if err != nil {
			if isUniqueViolation(err, "transactions_reference_key") {
				err = fmt.Errorf("reference %s: %w", e.Reference, models.ErrDuplicateReference)
				return err
			}
			return fmt.Errorf("failed to insert transaction: %w", err)
		}
	}

	for _, msg := range m.Outbox {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, account_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
			msg.ID, msg.AccountID, msg.EventType, []byte(msg.Payload), msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox message: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	a.Version++
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
	}
	return false
}

const accountColumns = `id, user_id, account_number, account_type, currency, balance, status,
	suspension_reason, created_at, updated_at, suspended_at, closed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a           models.Account
		suspendedAt sql.NullTime
		closedAt    sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.AccountNumber, &a.Type, &a.Currency, &a.Balance, &a.Status,
		&a.SuspensionReason, &a.CreatedAt, &a.UpdatedAt, &suspendedAt, &closedAt, &a.Version,
	)
	if err != nil {
		return nil, err
	}
	if suspendedAt.Valid {
		a.SuspendedAt = &suspendedAt.Time
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.Time
	}
	return &a, nil
}

// retrieves an account by ID
func (p *Postgres) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return getAccount(ctx, p.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getAccount(ctx context.Context, q queryer, id string) (*models.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, models.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (p *Postgres) ListAccountsByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 ORDER BY created_at, id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*models.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

const transactionColumns = `id, account_id, type, amount, balance_after, reference, description, created_at, sequence`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Reference, &t.Description, &t.CreatedAt, &t.Sequence)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// retrieves a transaction by reference
func (p *Postgres) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE reference = $1", reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found, but not an error
		}
		return nil, fmt.Errorf("failed to get transaction by reference: %w", err)
	}
	return t, nil
}

// retrieves transactions for an account in ledger order
func (p *Postgres) ListTransactions(ctx context.Context, accountID string, q models.TransactionQuery) ([]*models.Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := getAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}
	return listTransactions(ctx, tx, accountID, q)
}

func listTransactions(ctx context.Context, q queryer, accountID string, tq models.TransactionQuery) ([]*models.Transaction, error) {
	var from, to sql.NullTime
	if tq.From != nil {
		from = sql.NullTime{Time: *tq.From, Valid: true}
	}
	if tq.To != nil {
		to = sql.NullTime{Time: *tq.To, Valid: true}
	}

	rows, err := q.QueryContext(ctx, `
	SELECT `+transactionColumns+`
	FROM transactions
	WHERE account_id = $1
		AND ($2::timestamptz IS NULL OR created_at >= $2)
		AND ($3::timestamptz IS NULL OR created_at < $3)
	ORDER BY created_at, sequence`, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]*models.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Snapshot reads the account and its ledger inside one REPEATABLE READ
// transaction so both reflect the same committed state.
func (p *Postgres) Snapshot(ctx context.Context, accountID string) (*models.Account, []*models.Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	a, err := getAccount(ctx, tx, accountID)
	if err != nil {
		return nil, nil, err
	}
	txs, err := listTransactions(ctx, tx, accountID, models.TransactionQuery{})
	if err != nil {
		return nil, nil, err
	}
	return a, txs, nil
}

func (p *Postgres) PendingOutbox(ctx context.Context, limit int, skipAccounts []string) ([]models.OutboxMessage, error) {
	if skipAccounts == nil {
		skipAccounts = []string{}
	}
	rows, err := p.db.QueryContext(ctx, `
	SELECT id, account_id, event_type, payload, created_at, attempts, last_error
	FROM outbox
	WHERE sent_at IS NULL AND account_id <> ALL($2)
	ORDER BY position
	LIMIT $1`, limit, pq.Array(skipAccounts))
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg     models.OutboxMessage
			payload []byte
		)
		if err := rows.Scan(&msg.ID, &msg.AccountID, &msg.EventType, &payload, &msg.CreatedAt, &msg.Attempts, &msg.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		msg.Payload = payload
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (p *Postgres) MarkOutboxSent(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		"UPDATE outbox SET sent_at = $1, attempts = attempts + 1, last_error = '' WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message sent: %w", err)
	}
	return nil
}

func (p *Postgres) MarkOutboxFailed(ctx context.Context, id string, reason string) error {
	_, err := p.db.ExecContext(ctx,
		"UPDATE outbox SET attempts = attempts + 1, last_error = $1 WHERE id = $2", reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}
	return nil
}
