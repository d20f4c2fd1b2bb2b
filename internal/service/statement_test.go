package service

import (
	"context"
	"testing"
	"time"

	"github.com/abkawan/account-ledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatementReconstructsBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100.00")

	_, err := f.engine.ApplyPayment(ctx, payment("p1", a.ID, "50.00", "DEPOSIT"))
	require.NoError(t, err)
	_, err = f.engine.ApplyPayment(ctx, payment("p2", a.ID, "30.00", "PAYMENT"))
	require.NoError(t, err)
	_, err = f.engine.ApplyPayment(ctx, payment("p3", a.ID, "10.00", "REFUND"))
	require.NoError(t, err)

	txs := f.ledger(t, a.ID)
	require.Len(t, txs, 4)

	st, err := f.engine.Statement(ctx, a.ID, txs[1].CreatedAt, txs[3].CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, "100.00", st.OpeningBalance.StringFixed(2))
	assert.Equal(t, "120.00", st.ClosingBalance.StringFixed(2))
	assert.Equal(t, "EUR", st.Currency)
	require.Len(t, st.Transactions, 2)
	assert.Equal(t, "p1", st.Transactions[0].Reference)
	assert.Equal(t, "p2", st.Transactions[1].Reference)

	sum := ledgerSum(st.Transactions)
	assert.True(t, st.OpeningBalance.Add(sum).Equal(st.ClosingBalance))
}

func TestStatementWholeHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100.00")
	_, err := f.engine.ApplyPayment(ctx, payment("p1", a.ID, "25.00", "WITHDRAWAL"))
	require.NoError(t, err)

	start := a.CreatedAt.Add(-time.Hour)
	end := a.CreatedAt.Add(time.Hour)
	st, err := f.engine.Statement(ctx, a.ID, start, end)
	require.NoError(t, err)
	assert.True(t, st.OpeningBalance.IsZero())
	assert.Equal(t, "75.00", st.ClosingBalance.StringFixed(2))
	assert.Len(t, st.Transactions, 2)
}

func TestStatementBeforeFirstEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100.00")

	at := a.CreatedAt.Add(-time.Hour)
	st, err := f.engine.Statement(ctx, a.ID, at, at)
	require.NoError(t, err)
	assert.True(t, st.OpeningBalance.IsZero())
	assert.True(t, st.ClosingBalance.IsZero())
	assert.Empty(t, st.Transactions)
}

func TestStatementRejectsInvertedWindow(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, "1.00")

	now := time.Now()
	_, err := f.engine.Statement(context.Background(), a.ID, now, now.Add(-time.Second))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = f.engine.Statement(context.Background(), "missing", now, now)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}
