package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/abkawan/account-ledger/internal/db"
	"github.com/abkawan/account-ledger/internal/models"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const (
	accountNumberDigits   = 12
	accountNumberAttempts = 5
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// AccountStore handles account records and their status transitions.
// Mutating calls must run inside the account's critical section; the engine
// takes care of that.
type AccountStore struct {
	store db.Store
	now   func() time.Time
}

// creates a new AccountStore
func NewAccountStore(store db.Store, now func() time.Time) *AccountStore {
	if now == nil {
		now = time.Now
	}
	return &AccountStore{
		store: store,
		now:   now,
	}
}

// create opens an ACTIVE account under id. Callers hold the account's lock.
func (s *AccountStore) create(ctx context.Context, id string, req models.CreateAccountRequest) (*models.Account, error) {
	accountType, currency, err := validateCreate(req)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	for attempt := 1; ; attempt++ {
		number, err := generateAccountNumber()
		if err != nil {
			return nil, fmt.Errorf("failed to generate account number: %w", err)
		}

		account := &models.Account{
			ID:            id,
			UserID:        strings.TrimSpace(req.UserID),
			AccountNumber: number,
			Type:          accountType,
			Currency:      currency,
			Balance:       req.InitialBalance,
			Status:        models.StatusActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		m := db.Mutation{Create: true, Account: account}
		if req.InitialBalance.IsPositive() {
			m.Entry = &models.Transaction{
				ID:           ulid.Make().String(),
				AccountID:    id,
				Type:         models.Credit,
				Amount:       req.InitialBalance,
				BalanceAfter: req.InitialBalance,
				Reference:    models.OpeningReference(id),
				Description:  "Opening balance",
				CreatedAt:    now,
			}
		}

		msg, err := models.NewOutboxMessage(id, models.AccountCreated, models.AccountCreatedEvent{
			AccountID:      id,
			UserID:         account.UserID,
			AccountNumber:  number,
			AccountType:    accountType,
			Currency:       currency,
			InitialBalance: req.InitialBalance,
			Timestamp:      now,
		}, now)
		if err != nil {
			return nil, err
		}
		m.Outbox = []models.OutboxMessage{msg}

		err = s.store.Commit(ctx, m)
		if err == nil {
			return account, nil
		}
		if errors.Is(err, db.ErrDuplicateAccountNumber) && attempt < accountNumberAttempts {
			continue
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
}

func validateCreate(req models.CreateAccountRequest) (models.AccountType, string, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return "", "", fmt.Errorf("user id is required: %w", models.ErrInvalidRequest)
	}
	accountType, err := models.ParseAccountType(req.AccountType)
	if err != nil {
		return "", "", err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !currencyPattern.MatchString(currency) {
		return "", "", fmt.Errorf("currency %q is not an ISO code: %w", req.Currency, models.ErrInvalidRequest)
	}
	if req.InitialBalance.IsNegative() {
		return "", "", fmt.Errorf("initial balance cannot be negative: %w", models.ErrInvalidRequest)
	}
	if !isMoney(req.InitialBalance) {
		return "", "", fmt.Errorf("initial balance %s has more than two decimals: %w", req.InitialBalance, models.ErrInvalidRequest)
	}
	return accountType, currency, nil
}

// isMoney reports whether d fits the two-decimal fixed-point the ledger keeps.
func isMoney(d decimal.Decimal) bool {
	return d.Round(2).Equal(d)
}

func generateAccountNumber() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(accountNumberDigits), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", accountNumberDigits, n), nil
}

// retrieves an account by ID
func (s *AccountStore) Get(ctx context.Context, id string) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (s *AccountStore) ListByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	accounts, err := s.store.ListAccountsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateStatus moves the account to a new status and records the matching
// outbound event in the same commit.
func (s *AccountStore) UpdateStatus(ctx context.Context, id string, to models.AccountStatus, reason, actor string) (*models.Account, error) {
	account, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, account, to, reason, actor)
}

func (s *AccountStore) transition(ctx context.Context, account *models.Account, to models.AccountStatus, reason, actor string) (*models.Account, error) {
	now := s.now().UTC()
	next := account.Clone()
	from := next.Status
	if err := next.Transition(to, reason, now); err != nil {
		return nil, err
	}

	var payload any
	var eventType models.OutboundEventType
	switch to {
	case models.StatusSuspended:
		eventType = models.AccountSuspended
		payload = models.AccountSuspendedEvent{
			AccountID:        next.ID,
			SuspensionReason: reason,
			SuspendedBy:      actor,
			Timestamp:        now,
		}
	case models.StatusClosed:
		eventType = models.AccountClosed
		payload = models.AccountClosedEvent{
			AccountID:     next.ID,
			ClosureReason: reason,
			FinalBalance:  next.Balance,
			Timestamp:     now,
		}
	case models.StatusActive:
		eventType = models.AccountUpdated
		payload = models.AccountUpdatedEvent{
			AccountID:      next.ID,
			PreviousStatus: from,
			Status:         to,
			UpdatedBy:      actor,
			Timestamp:      now,
		}
	}

	msg, err := models.NewOutboxMessage(next.ID, eventType, payload, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Commit(ctx, db.Mutation{Account: next, Outbox: []models.OutboxMessage{msg}}); err != nil {
		return nil, fmt.Errorf("failed to update account status: %w", err)
	}
	return next, nil
}
