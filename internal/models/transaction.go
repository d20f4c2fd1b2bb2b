package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	// Credit increases the balance.
	Credit TransactionType = "CREDIT"

	// Debit decreases the balance.
	Debit TransactionType = "DEBIT"
)

// Opposite returns the type that undoes t.
func (t TransactionType) Opposite() TransactionType {
	if t == Credit {
		return Debit
	}
	return Credit
}

// Signed returns amount with the sign this type applies to a balance.
func (t TransactionType) Signed(amount decimal.Decimal) decimal.Decimal {
	if t == Debit {
		return amount.Neg()
	}
	return amount
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Type         TransactionType `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reference    string          `json:"reference"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Sequence     int64           `json:"sequence"`
}

// Net is the signed effect of the entry on its account balance.
func (t *Transaction) Net() decimal.Decimal {
	return t.Type.Signed(t.Amount)
}

// OpeningReference is the ledger reference of the credit that records a
// non-zero initial balance.
func OpeningReference(accountID string) string {
	return "OPENING-" + accountID
}

// ReversalReference derives the reference of a payment reversal so that it
// stays idempotent and distinct from the original entry.
func ReversalReference(paymentID string) string {
	return paymentID + "-REVERSAL"
}

// PaymentDirection maps the collaborating payment service's transaction type
// onto a ledger direction.
func PaymentDirection(transactionType string) (TransactionType, error) {
	switch strings.ToUpper(strings.TrimSpace(transactionType)) {
	case "TRANSFER", "INCOMING_TRANSFER", "DEPOSIT", "REFUND":
		return Credit, nil
	case "PAYMENT", "OUTGOING_TRANSFER", "WITHDRAWAL", "FEE":
		return Debit, nil
	}
	return "", fmt.Errorf("unsupported transaction type %q: %w", transactionType, ErrInvalidRequest)
}

// TransactionQuery bounds a ledger listing to [From, To). Nil bounds are open.
type TransactionQuery struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether at falls inside the query window.
func (q TransactionQuery) Contains(at time.Time) bool {
	if q.From != nil && at.Before(*q.From) {
		return false
	}
	if q.To != nil && !at.Before(*q.To) {
		return false
	}
	return true
}

// Statement is the reconstructed view of an account over [Start, End).
type Statement struct {
	AccountID      string          `json:"account_id"`
	Currency       string          `json:"currency"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	Transactions   []*Transaction  `json:"transactions"`
}
