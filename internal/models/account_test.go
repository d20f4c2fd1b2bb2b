package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountTransition(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		from    AccountStatus
		balance string
		to      AccountStatus
		reason  string
		wantErr error
	}{
		{"suspend active", StatusActive, "10", StatusSuspended, "kyc", nil},
		{"suspend without reason", StatusActive, "10", StatusSuspended, " ", ErrInvalidRequest},
		{"close empty", StatusActive, "0", StatusClosed, "", nil},
		{"close with funds", StatusActive, "0.01", StatusClosed, "", ErrNonZeroBalanceOnClose},
		{"reactivate", StatusSuspended, "10", StatusActive, "", nil},
		{"close suspended", StatusSuspended, "0", StatusClosed, "", ErrInvalidStateTransition},
		{"close suspended with funds", StatusSuspended, "500.00", StatusClosed, "", ErrNonZeroBalanceOnClose},
		{"suspend suspended", StatusSuspended, "0", StatusSuspended, "x", ErrInvalidStateTransition},
		{"activate active", StatusActive, "0", StatusActive, "", ErrInvalidStateTransition},
		{"reopen closed", StatusClosed, "0", StatusActive, "", ErrInvalidStateTransition},
		{"suspend closed", StatusClosed, "0", StatusSuspended, "x", ErrInvalidStateTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Account{ID: "a1", Status: tt.from, Balance: decimal.RequireFromString(tt.balance)}
			err := a.Transition(tt.to, tt.reason, at)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.from, a.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, a.Status)
			assert.Equal(t, at, a.UpdatedAt)
		})
	}
}

func TestTransitionTimestamps(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &Account{ID: "a1", Status: StatusActive}

	require.NoError(t, a.Transition(StatusSuspended, "review", at))
	require.NotNil(t, a.SuspendedAt)
	assert.Equal(t, "review", a.SuspensionReason)

	require.NoError(t, a.Transition(StatusActive, "", at.Add(time.Hour)))
	assert.Nil(t, a.SuspendedAt)
	assert.Empty(t, a.SuspensionReason)

	require.NoError(t, a.Transition(StatusClosed, "", at.Add(2*time.Hour)))
	require.NotNil(t, a.ClosedAt)
	assert.Equal(t, at.Add(2*time.Hour), *a.ClosedAt)
}

func TestCloneIsDeep(t *testing.T) {
	at := time.Now()
	a := &Account{ID: "a1", SuspendedAt: &at}
	cp := a.Clone()
	*cp.SuspendedAt = at.Add(time.Hour)
	assert.Equal(t, at, *a.SuspendedAt)
}

func TestParseAccountStatus(t *testing.T) {
	s, err := ParseAccountStatus(" suspended ")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, s)

	_, err = ParseAccountStatus("FROZEN")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPaymentDirection(t *testing.T) {
	for _, typ := range []string{"TRANSFER", "incoming_transfer", "DEPOSIT", "REFUND"} {
		d, err := PaymentDirection(typ)
		require.NoError(t, err)
		assert.Equal(t, Credit, d, typ)
	}
	for _, typ := range []string{"PAYMENT", "OUTGOING_TRANSFER", "withdrawal", "FEE"} {
		d, err := PaymentDirection(typ)
		require.NoError(t, err)
		assert.Equal(t, Debit, d, typ)
	}
	_, err := PaymentDirection("GIFT")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTransactionQueryContains(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	q := TransactionQuery{From: &from, To: &to}

	assert.True(t, q.Contains(from))
	assert.True(t, q.Contains(to.Add(-time.Nanosecond)))
	assert.False(t, q.Contains(to))
	assert.False(t, q.Contains(from.Add(-time.Nanosecond)))
	assert.True(t, TransactionQuery{}.Contains(from))
}
