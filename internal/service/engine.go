package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abkawan/account-ledger/internal/db"
	"github.com/abkawan/account-ledger/internal/dedup"
	"github.com/abkawan/account-ledger/internal/metrics"
	"github.com/abkawan/account-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	fraudActor        = "fraud-detection"
	defaultDedupTTL   = 24 * time.Hour
	defaultDedupLimit = 100_000
)

// RejectionRecorder persists refused mutations for audit.
type RejectionRecorder interface {
	Record(ctx context.Context, r models.Rejection) error
}

// Outcome describes what a mutation did.
type Outcome struct {
	Account *models.Account
	Entry   *models.Transaction

	// Duplicate is set when the reference was already in the ledger and
	// nothing new was written.
	Duplicate bool

	// Ignored is set when the event required no change, e.g. a fraud signal
	// for an account that is already suspended.
	Ignored bool
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLocker(l *Locker) Option {
	return func(e *Engine) { e.locks = l }
}

func WithDeduplicator(d dedup.Deduplicator) Option {
	return func(e *Engine) { e.dedup = d }
}

func WithRejectionRecorder(r RejectionRecorder) Option {
	return func(e *Engine) { e.rejections = r }
}

// WithCommitHook registers fn to run after every commit, once the account
// lock is released. It must not block.
func WithCommitHook(fn func()) Option {
	return func(e *Engine) { e.onCommit = fn }
}

// Engine is the account ledger engine. Every mutation for an account runs in
// that account's critical section; outbound events are written to the outbox
// in the same commit and published by the relay after the lock is gone.
type Engine struct {
	accounts   *AccountStore
	ledger     *TransactionLedger
	statements *StatementGenerator
	locks      *Locker
	dedup      dedup.Deduplicator
	rejections RejectionRecorder
	logger     *zap.Logger
	now        func() time.Time
	onCommit   func()
}

func NewEngine(store db.Store, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locks == nil {
		e.locks = NewLocker(defaultLockShards)
	}
	if e.dedup == nil {
		e.dedup = dedup.NewMemory(defaultDedupTTL, defaultDedupLimit)
	}
	e.accounts = NewAccountStore(store, e.now)
	e.ledger = NewTransactionLedger(store, e.now)
	e.statements = NewStatementGenerator(store)
	return e
}

// Deduplicator exposes the dedup index so ingestion can short-circuit
// redeliveries.
func (e *Engine) Deduplicator() dedup.Deduplicator {
	return e.dedup
}

func (e *Engine) CreateAccount(ctx context.Context, req models.CreateAccountRequest) (*models.Account, error) {
	id := uuid.New().String()
	out, err := e.run(ctx, "create_account", models.SourceAdmin, "", id, func() (*Outcome, error) {
		account, err := e.accounts.create(ctx, id, req)
		if err != nil {
			return nil, err
		}
		return &Outcome{Account: account}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("account created",
		zap.String("account_id", out.Account.ID),
		zap.String("user_id", out.Account.UserID),
		zap.String("currency", out.Account.Currency),
		zap.String("initial_balance", out.Account.Balance.StringFixed(2)),
	)
	return out.Account, nil
}

// ApplyPayment credits or debits the account named by a completed payment.
// The payment id is the ledger reference.
func (e *Engine) ApplyPayment(ctx context.Context, ev models.PaymentCompletedEvent) (*Outcome, error) {
	return e.run(ctx, "payment_completed", models.SourceEvent, ev.DedupKey(), ev.AccountID, func() (*Outcome, error) {
		typ, err := models.PaymentDirection(ev.TransactionType)
		if err != nil {
			return nil, err
		}
		account, err := e.operableAccount(ctx, ev.AccountID, ev.Currency)
		if err != nil {
			return nil, err
		}
		description := fmt.Sprintf("Payment %s (%s)", ev.PaymentID, strings.ToUpper(ev.TransactionType))
		return e.append(ctx, account, typ, ev.Amount, ev.PaymentID, description)
	})
}

// ApplyReversal undoes a previously applied payment with an entry of the
// opposite type under the reference <paymentId>-REVERSAL.
func (e *Engine) ApplyReversal(ctx context.Context, ev models.PaymentReversedEvent) (*Outcome, error) {
	return e.run(ctx, "payment_reversed", models.SourceEvent, ev.DedupKey(), ev.AccountID, func() (*Outcome, error) {
		account, err := e.operableAccount(ctx, ev.AccountID, ev.Currency)
		if err != nil {
			return nil, err
		}

		original, err := e.ledger.FindByReference(ctx, ev.PaymentID)
		if err != nil {
			return nil, err
		}
		if original == nil {
			return nil, fmt.Errorf("payment %s: %w", ev.PaymentID, models.ErrOrphanReversal)
		}
		if original.AccountID != account.ID {
			return nil, fmt.Errorf("payment %s belongs to account %s, not %s: %w",
				ev.PaymentID, original.AccountID, account.ID, models.ErrInvalidRequest)
		}
		if ev.Amount.GreaterThan(original.Amount) {
			return nil, fmt.Errorf("reversal %s exceeds original amount %s: %w",
				ev.Amount.StringFixed(2), original.Amount.StringFixed(2), models.ErrInvalidRequest)
		}

		description := fmt.Sprintf("Reversal of payment %s", ev.PaymentID)
		if ev.ReversalReason != "" {
			description += ": " + ev.ReversalReason
		}
		return e.append(ctx, account, original.Type.Opposite(), ev.Amount, models.ReversalReference(ev.PaymentID), description)
	})
}

// ApplyFraudSignal suspends the account when the fraud service blocked it.
// Other actions are acknowledged without effect.
func (e *Engine) ApplyFraudSignal(ctx context.Context, ev models.FraudDetectedEvent) (*Outcome, error) {
	if !strings.EqualFold(ev.Action, models.FraudActionBlocked) {
		e.remember(ctx, ev.DedupKey(), dedup.Ignored)
		return &Outcome{Ignored: true}, nil
	}

	return e.run(ctx, "fraud_detected", models.SourceEvent, ev.DedupKey(), ev.AccountID, func() (*Outcome, error) {
		account, err := e.accounts.Get(ctx, ev.AccountID)
		if err != nil {
			return nil, err
		}

		switch account.Status {
		case models.StatusSuspended:
			return &Outcome{Account: account, Ignored: true}, nil
		case models.StatusClosed:
			return nil, fmt.Errorf("account %s is %s: %w", account.ID, account.Status, models.ErrAccountNotOperable)
		}

		next, err := e.accounts.transition(ctx, account, models.StatusSuspended, "FRAUD_DETECTED: "+ev.Reason, fraudActor)
		if err != nil {
			return nil, err
		}
		return &Outcome{Account: next}, nil
	})
}

// Suspend is the administrative ACTIVE -> SUSPENDED transition.
func (e *Engine) Suspend(ctx context.Context, accountID, reason, suspendedBy string) (*models.Account, error) {
	return e.changeStatus(ctx, "suspend", accountID, models.StatusSuspended, reason, suspendedBy)
}

// Reactivate is the administrative SUSPENDED -> ACTIVE transition.
func (e *Engine) Reactivate(ctx context.Context, accountID, reactivatedBy string) (*models.Account, error) {
	return e.changeStatus(ctx, "reactivate", accountID, models.StatusActive, "", reactivatedBy)
}

// Close is the administrative ACTIVE -> CLOSED transition. It fails with
// ErrNonZeroBalanceOnClose unless the balance is zero.
func (e *Engine) Close(ctx context.Context, accountID, reason, closedBy string) (*models.Account, error) {
	return e.changeStatus(ctx, "close", accountID, models.StatusClosed, reason, closedBy)
}

func (e *Engine) changeStatus(ctx context.Context, op, accountID string, to models.AccountStatus, reason, actor string) (*models.Account, error) {
	out, err := e.run(ctx, op, models.SourceAdmin, "", accountID, func() (*Outcome, error) {
		account, err := e.accounts.UpdateStatus(ctx, accountID, to, reason, actor)
		if err != nil {
			return nil, err
		}
		return &Outcome{Account: account}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("account status changed",
		zap.String("account_id", accountID),
		zap.String("status", string(to)),
		zap.String("actor", actor),
	)
	return out.Account, nil
}

func (e *Engine) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return e.accounts.Get(ctx, accountID)
}

func (e *Engine) ListAccountsByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	return e.accounts.ListByUser(ctx, userID)
}

// GetBalance returns the committed balance and the account currency.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, string, error) {
	account, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return decimal.Zero, "", err
	}
	return account.Balance, account.Currency, nil
}

func (e *Engine) ListTransactions(ctx context.Context, accountID string, q models.TransactionQuery) ([]*models.Transaction, error) {
	return e.ledger.ListByAccount(ctx, accountID, q)
}

func (e *Engine) Statement(ctx context.Context, accountID string, start, end time.Time) (*models.Statement, error) {
	return e.statements.Generate(ctx, accountID, start, end)
}

// operableAccount loads the account and rejects anything but ACTIVE, and any
// currency other than the account's own.
func (e *Engine) operableAccount(ctx context.Context, accountID, currency string) (*models.Account, error) {
	account, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Operable() {
		return nil, fmt.Errorf("account %s is %s: %w", account.ID, account.Status, models.ErrAccountNotOperable)
	}
	if !strings.EqualFold(strings.TrimSpace(currency), account.Currency) {
		return nil, fmt.Errorf("currency %s does not match account currency %s: %w", currency, account.Currency, models.ErrInvalidRequest)
	}
	return account, nil
}

// append writes one ledger entry unless the reference was already applied,
// in which case the stored entry is returned as a duplicate.
func (e *Engine) append(ctx context.Context, account *models.Account, typ models.TransactionType, amount decimal.Decimal, reference, description string) (*Outcome, error) {
	existing, err := e.ledger.FindByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.AccountID != account.ID {
			return nil, fmt.Errorf("reference %s belongs to account %s: %w", reference, existing.AccountID, models.ErrInvalidRequest)
		}
		return &Outcome{Account: account, Entry: existing, Duplicate: true}, nil
	}

	entry, err := e.ledger.Append(ctx, account, typ, amount, reference, description)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateReference) && entry != nil {
			return &Outcome{Account: account, Entry: entry, Duplicate: true}, nil
		}
		return nil, err
	}
	return &Outcome{Account: account, Entry: entry}, nil
}

// run executes fn inside the account's critical section and records its dedup
// outcome there too. Commit notification and the rejection audit happen after
// the lock is released.
func (e *Engine) run(ctx context.Context, op string, source models.RejectionSource, key, accountID string, fn func() (*Outcome, error)) (*Outcome, error) {
	unlock := e.locks.Lock(accountID)
	out, err := fn()
	switch {
	case err == nil && (out.Duplicate || out.Ignored):
		e.remember(ctx, key, dedup.Ignored)
	case err == nil:
		e.remember(ctx, key, dedup.Applied)
	case models.IsBusinessRejection(err):
		e.remember(ctx, key, dedup.Rejected(models.ErrorCode(err)))
	}
	unlock()

	switch {
	case err == nil:
		if !out.Duplicate && !out.Ignored {
			e.committed()
		}
		if out.Duplicate {
			e.logger.Info("reference already applied",
				zap.String("operation", op),
				zap.String("account_id", accountID),
				zap.String("reference", out.Entry.Reference),
			)
		}
	case models.IsBusinessRejection(err):
		e.reject(ctx, op, source, key, accountID, err)
	default:
		e.logger.Error("mutation failed",
			zap.String("operation", op),
			zap.String("account_id", accountID),
			zap.String("event_key", key),
			zap.Error(err),
		)
	}
	return out, err
}

func (e *Engine) committed() {
	if e.onCommit != nil {
		e.onCommit()
	}
}

// remember writes the dedup record. The ledger's unique reference is what
// guarantees exactly-once application, so a failed write only costs a slower
// path on redelivery.
func (e *Engine) remember(ctx context.Context, key string, outcome dedup.Outcome) {
	if key == "" {
		return
	}
	if err := e.dedup.Record(ctx, key, outcome); err != nil {
		e.logger.Warn("failed to record dedup key", zap.String("event_key", key), zap.Error(err))
	}
}

func (e *Engine) reject(ctx context.Context, op string, source models.RejectionSource, key, accountID string, err error) {
	code := models.ErrorCode(err)
	metrics.Rejections.WithLabelValues(op, code).Inc()
	e.logger.Warn("mutation rejected",
		zap.String("operation", op),
		zap.String("account_id", accountID),
		zap.String("event_key", key),
		zap.String("code", code),
		zap.Error(err),
	)

	if e.rejections == nil {
		return
	}
	rec := models.Rejection{
		EventKey:   key,
		AccountID:  accountID,
		Operation:  op,
		Source:     source,
		Code:       code,
		Message:    err.Error(),
		RecordedAt: e.now().UTC(),
	}
	if recErr := e.rejections.Record(ctx, rec); recErr != nil {
		e.logger.Error("failed to record rejection", zap.String("account_id", accountID), zap.Error(recErr))
	}
}
