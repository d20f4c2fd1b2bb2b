package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/account-ledger/internal/models"
)

// ErrDuplicateAccountNumber is returned when a freshly generated account
// number collides with an existing one. Callers regenerate and retry.
var ErrDuplicateAccountNumber = errors.New("duplicate account number")

// Mutation is one atomic commit: the new account state, at most one ledger
// entry and the outbox messages describing the change. Either all of it
// becomes visible or none of it does.
type Mutation struct {
	// Create inserts Account instead of updating it.
	Create bool

	// Account carries the new state. Its Version must equal the stored
	// version; the store bumps it on success.
	Account *models.Account

	// Entry is appended to the ledger. The store assigns Entry.Sequence.
	Entry *models.Transaction

	Outbox []models.OutboxMessage
}

// Store persists accounts, their ledgers and the outbox.
type Store interface {
	Commit(ctx context.Context, m Mutation) error

	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccountsByUser(ctx context.Context, userID string) ([]*models.Account, error)

	// GetTransactionByReference returns nil, nil when the reference is unknown.
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, accountID string, q models.TransactionQuery) ([]*models.Transaction, error)

	// Snapshot reads an account and its full ordered ledger as of one
	// consistent point in time.
	Snapshot(ctx context.Context, accountID string) (*models.Account, []*models.Transaction, error)

	// PendingOutbox returns unsent messages in commit order, leaving out the
	// accounts in skipAccounts.
	PendingOutbox(ctx context.Context, limit int, skipAccounts []string) ([]models.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, reason string) error
}

// Open connects the backend named by kind ("postgres" or "memory") and
// returns it with its close function. The PostgreSQL schema is created if
// missing.
func Open(ctx context.Context, kind, postgresURI string) (Store, func() error, error) {
	switch kind {
	case "memory":
		return NewMemory(), func() error { return nil }, nil
	case "postgres":
		pg, err := NewPostgres(postgresURI)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.InitSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", kind)
}
