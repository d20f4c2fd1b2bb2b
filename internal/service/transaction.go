package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/account-ledger/internal/db"
	"github.com/abkawan/account-ledger/internal/models"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// TransactionLedger appends balance-affecting entries and answers ordered
// range queries over them.
type TransactionLedger struct {
	store db.Store
	now   func() time.Time
}

// creates a new TransactionLedger
func NewTransactionLedger(store db.Store, now func() time.Time) *TransactionLedger {
	if now == nil {
		now = time.Now
	}
	return &TransactionLedger{
		store: store,
		now:   now,
	}
}

// Append records one entry against account and moves its balance in the same
// commit, together with the BalanceChangedEvent. On success account is
// updated in place. If reference already exists the stored entry is returned
// with an error wrapping ErrDuplicateReference and nothing is written.
func (l *TransactionLedger) Append(ctx context.Context, account *models.Account, typ models.TransactionType, amount decimal.Decimal, reference, description string) (*models.Transaction, error) {
	if !amount.IsPositive() || !isMoney(amount) {
		return nil, fmt.Errorf("amount %s must be positive with at most two decimals: %w", amount, models.ErrInvalidRequest)
	}
	if reference == "" {
		return nil, fmt.Errorf("reference is required: %w", models.ErrInvalidRequest)
	}
	if typ != models.Credit && typ != models.Debit {
		return nil, fmt.Errorf("transaction type %q: %w", typ, models.ErrInvalidRequest)
	}

	previous := account.Balance
	balanceAfter := previous.Add(typ.Signed(amount))
	if balanceAfter.IsNegative() {
		return nil, fmt.Errorf("account %s balance %s, debit %s: %w",
			account.ID, previous.StringFixed(2), amount.StringFixed(2), models.ErrInsufficientBalance)
	}

	now := l.now().UTC()
	next := account.Clone()
	next.Balance = balanceAfter
	next.UpdatedAt = now

	entry := &models.Transaction{
		ID:           ulid.Make().String(),
		AccountID:    account.ID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reference:    reference,
		Description:  description,
		CreatedAt:    now,
	}

	msg, err := models.NewOutboxMessage(account.ID, models.BalanceChanged, models.BalanceChangedEvent{
		AccountID:            account.ID,
		PreviousBalance:      previous,
		NewBalance:           balanceAfter,
		ChangeAmount:         amount,
		ChangeType:           typ,
		TransactionReference: reference,
		Timestamp:            now,
	}, now)
	if err != nil {
		return nil, err
	}

	err = l.store.Commit(ctx, db.Mutation{Account: next, Entry: entry, Outbox: []models.OutboxMessage{msg}})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateReference) {
			existing, lookupErr := l.FindByReference(ctx, reference)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return existing, err
		}
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}

	*account = *next
	return entry, nil
}

// FindByReference returns nil, nil when nothing was recorded under reference.
func (l *TransactionLedger) FindByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	tx, err := l.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing transaction: %w", err)
	}
	return tx, nil
}

// ListByAccount returns the entries in [q.From, q.To) ordered by creation
// time, ties broken by insertion order.
func (l *TransactionLedger) ListByAccount(ctx context.Context, accountID string, q models.TransactionQuery) ([]*models.Transaction, error) {
	txs, err := l.store.ListTransactions(ctx, accountID, q)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	return txs, nil
}
