package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	// StatusActive accepts credits, debits and status changes.
	StatusActive AccountStatus = "ACTIVE"

	// StatusSuspended rejects every balance mutation until reactivated.
	StatusSuspended AccountStatus = "SUSPENDED"

	// StatusClosed is terminal.
	StatusClosed AccountStatus = "CLOSED"
)

// ParseAccountStatus maps a wire value onto one of the three known statuses.
func ParseAccountStatus(s string) (AccountStatus, error) {
	switch st := AccountStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusActive, StatusSuspended, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("unknown account status %q: %w", s, ErrInvalidRequest)
}

type AccountType string

const (
	Checking AccountType = "CHECKING"
	Savings  AccountType = "SAVINGS"
)

func ParseAccountType(s string) (AccountType, error) {
	switch t := AccountType(strings.ToUpper(strings.TrimSpace(s))); t {
	case Checking, Savings:
		return t, nil
	}
	return "", fmt.Errorf("unknown account type %q: %w", s, ErrInvalidRequest)
}

// Account is the single source of truth for balance and status.
type Account struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	AccountNumber    string          `json:"account_number" db:"account_number"`
	Type             AccountType     `json:"account_type" db:"account_type"`
	Currency         string          `json:"currency" db:"currency"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`
	Status           AccountStatus   `json:"status" db:"status"`
	SuspensionReason string          `json:"suspension_reason,omitempty" db:"suspension_reason"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	SuspendedAt      *time.Time      `json:"suspended_at,omitempty" db:"suspended_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	Version          int64           `json:"-" db:"version"`
}

// Clone returns a deep copy so callers never share the stored pointer.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.SuspendedAt != nil {
		t := *a.SuspendedAt
		cp.SuspendedAt = &t
	}
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// Operable reports whether balance mutations may be applied.
func (a *Account) Operable() bool {
	return a.Status == StatusActive
}

// Transition validates a status change against the account state machine and
// applies it to a. It is the only place status changes are decided.
//
//	ACTIVE    -> SUSPENDED (reason required)
//	SUSPENDED -> ACTIVE
//	ACTIVE    -> CLOSED    (balance must be zero)
//
// Closing with a non-zero balance is ErrNonZeroBalanceOnClose whatever the
// current open status. Everything else is ErrInvalidStateTransition.
func (a *Account) Transition(to AccountStatus, reason string, at time.Time) error {
	from := a.Status

	// A non-zero balance blocks closing from any open state.
	if to == StatusClosed && from != StatusClosed && !a.Balance.IsZero() {
		return fmt.Errorf("account %s has balance %s: %w", a.ID, a.Balance.StringFixed(2), ErrNonZeroBalanceOnClose)
	}

	switch from {
	case StatusActive:
		switch to {
		case StatusSuspended:
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("suspension requires a reason: %w", ErrInvalidRequest)
			}
			a.Status = StatusSuspended
			a.SuspensionReason = reason
			a.SuspendedAt = &at
		case StatusClosed:
			a.Status = StatusClosed
			a.ClosedAt = &at
		default:
			return invalidTransition(a.ID, from, to)
		}
	case StatusSuspended:
		switch to {
		case StatusActive:
			a.Status = StatusActive
			a.SuspensionReason = ""
			a.SuspendedAt = nil
		default:
			return invalidTransition(a.ID, from, to)
		}
	case StatusClosed:
		return invalidTransition(a.ID, from, to)
	default:
		return fmt.Errorf("account %s has unknown status %q: %w", a.ID, from, ErrInvalidStateTransition)
	}

	a.UpdatedAt = at
	return nil
}

func invalidTransition(id string, from, to AccountStatus) error {
	return fmt.Errorf("account %s: %s -> %s: %w", id, from, to, ErrInvalidStateTransition)
}

// CreateAccountRequest carries the parameters of AccountStore.Create.
type CreateAccountRequest struct {
	UserID         string          `json:"user_id"`
	AccountType    string          `json:"account_type"`
	Currency       string          `json:"currency"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

type AccountResponse struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	AccountNumber    string          `json:"account_number"`
	AccountType      AccountType     `json:"account_type"`
	Currency         string          `json:"currency"`
	Balance          decimal.Decimal `json:"balance"`
	Status           AccountStatus   `json:"status"`
	SuspensionReason string          `json:"suspension_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	SuspendedAt      *time.Time      `json:"suspended_at,omitempty"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
}

func NewAccountResponse(a *Account) AccountResponse {
	return AccountResponse{
		ID:               a.ID,
		UserID:           a.UserID,
		AccountNumber:    a.AccountNumber,
		AccountType:      a.Type,
		Currency:         a.Currency,
		Balance:          a.Balance,
		Status:           a.Status,
		SuspensionReason: a.SuspensionReason,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
		SuspendedAt:      a.SuspendedAt,
		ClosedAt:         a.ClosedAt,
	}
}
