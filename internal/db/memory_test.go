package db

import (
	"context"
	"testing"
	"time"

	"github.com/abkawan/account-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(id string) *models.Account {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.Account{
		ID:            id,
		UserID:        "user-1",
		AccountNumber: "NUM-" + id,
		Type:          models.Checking,
		Currency:      "EUR",
		Balance:       decimal.Zero,
		Status:        models.StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestMemoryCommitCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	a := newAccount("a1")
	require.NoError(t, s.Commit(ctx, Mutation{Create: true, Account: a}))
	assert.Equal(t, int64(1), a.Version)

	got, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "NUM-a1", got.AccountNumber)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestMemoryCommitRejectsDuplicateAccountNumber(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Commit(ctx, Mutation{Create: true, Account: newAccount("a1")}))
	dup := newAccount("a2")
	dup.AccountNumber = "NUM-a1"
	assert.ErrorIs(t, s.Commit(ctx, Mutation{Create: true, Account: dup}), ErrDuplicateAccountNumber)
}

func TestMemoryCommitVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Commit(ctx, Mutation{Create: true, Account: newAccount("a1")}))

	first, _ := s.GetAccount(ctx, "a1")
	second, _ := s.GetAccount(ctx, "a1")

	first.Balance = decimal.NewFromInt(10)
	require.NoError(t, s.Commit(ctx, Mutation{Account: first}))

	second.Balance = decimal.NewFromInt(20)
	err := s.Commit(ctx, Mutation{Account: second})
	assert.ErrorIs(t, err, models.ErrConcurrentModification)

	got, _ := s.GetAccount(ctx, "a1")
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(10)))
}

func TestMemoryDuplicateReferenceLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Commit(ctx, Mutation{Create: true, Account: newAccount("a1")}))

	a, _ := s.GetAccount(ctx, "a1")
	a.Balance = decimal.NewFromInt(5)
	entry := &models.Transaction{ID: "t1", AccountID: "a1", Type: models.Credit, Amount: decimal.NewFromInt(5),
		BalanceAfter: decimal.NewFromInt(5), Reference: "ref-1", CreatedAt: a.CreatedAt}
	require.NoError(t, s.Commit(ctx, Mutation{Account: a, Entry: entry}))
	assert.Equal(t, int64(1), entry.Sequence)

	a, _ = s.GetAccount(ctx, "a1")
	a.Balance = decimal.NewFromInt(10)
	again := &models.Transaction{ID: "t2", AccountID: "a1", Type: models.Credit, Amount: decimal.NewFromInt(5),
		BalanceAfter: decimal.NewFromInt(10), Reference: "ref-1", CreatedAt: a.CreatedAt}
	err := s.Commit(ctx, Mutation{Account: a, Entry: again, Outbox: []models.OutboxMessage{{ID: "o1"}}})
	assert.ErrorIs(t, err, models.ErrDuplicateReference)

	got, _ := s.GetAccount(ctx, "a1")
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(5)))
	txs, err := s.ListTransactions(ctx, "a1", models.TransactionQuery{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Empty(t, s.Outbox())
}

func TestMemoryListTransactionsOrderAndWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Commit(ctx, Mutation{Create: true, Account: newAccount("a1")}))

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(2 * time.Hour), base, base, base.Add(time.Hour)}
	for i, at := range times {
		a, _ := s.GetAccount(ctx, "a1")
		e := &models.Transaction{ID: string(rune('a' + i)), AccountID: "a1", Type: models.Credit,
			Amount: decimal.NewFromInt(1), Reference: "r" + string(rune('a'+i)), CreatedAt: at}
		require.NoError(t, s.Commit(ctx, Mutation{Account: a, Entry: e}))
	}

	all, err := s.ListTransactions(ctx, "a1", models.TransactionQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"rb", "rc", "rd", "ra"}, []string{all[0].Reference, all[1].Reference, all[2].Reference, all[3].Reference})

	from, to := base, base.Add(time.Hour)
	window, err := s.ListTransactions(ctx, "a1", models.TransactionQuery{From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestMemoryOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	msg := models.OutboxMessage{ID: "o1", AccountID: "a1", EventType: models.AccountCreated}
	require.NoError(t, s.Commit(ctx, Mutation{Create: true, Account: newAccount("a1"), Outbox: []models.OutboxMessage{msg}}))

	pending, err := s.PendingOutbox(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkOutboxFailed(ctx, "o1", "broker down"))
	pending, _ = s.PendingOutbox(ctx, 10, nil)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	require.NoError(t, s.MarkOutboxSent(ctx, "o1", time.Now()))
	pending, _ = s.PendingOutbox(ctx, 10, nil)
	assert.Empty(t, pending)
}

func TestMemoryPendingOutboxSkipsAccounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, id := range []string{"a1", "a2", "a3"} {
		msg := models.OutboxMessage{ID: "o-" + id, AccountID: id, EventType: models.AccountCreated}
		require.NoError(t, s.Commit(ctx, Mutation{Create: true, Account: newAccount(id), Outbox: []models.OutboxMessage{msg}}))
	}

	pending, err := s.PendingOutbox(ctx, 10, []string{"a1", "a3"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a2", pending[0].AccountID)
}
