package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abkawan/account-ledger/internal/models"
)

// Memory is an in-process Store. A single RWMutex makes every Commit
// visible atomically to readers.
type Memory struct {
	mu       sync.RWMutex
	seq      int64
	accounts map[string]*models.Account
	numbers  map[string]struct{}
	ledgers  map[string][]*models.Transaction
	refs     map[string]*models.Transaction
	outbox   []*models.OutboxMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*models.Account),
		numbers:  make(map[string]struct{}),
		ledgers:  make(map[string][]*models.Transaction),
		refs:     make(map[string]*models.Transaction),
	}
}

func (m *Memory) Commit(ctx context.Context, mut Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mut.Account == nil {
		return fmt.Errorf("commit without account: %w", models.ErrInvalidRequest)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := mut.Account
	if mut.Create {
		if _, ok := m.accounts[acct.ID]; ok {
			return fmt.Errorf("account %s already exists: %w", acct.ID, models.ErrInvalidRequest)
		}
		if _, ok := m.numbers[acct.AccountNumber]; ok {
			return ErrDuplicateAccountNumber
		}
	} else {
		stored, ok := m.accounts[acct.ID]
		if !ok {
			return fmt.Errorf("account %s: %w", acct.ID, models.ErrAccountNotFound)
		}
		if stored.Version != acct.Version {
			return fmt.Errorf("account %s at version %d, expected %d: %w",
				acct.ID, stored.Version, acct.Version, models.ErrConcurrentModification)
		}
	}

	if mut.Entry != nil {
		if _, ok := m.refs[mut.Entry.Reference]; ok {
			return fmt.Errorf("reference %s: %w", mut.Entry.Reference, models.ErrDuplicateReference)
		}
	}

	// validation done, nothing below can fail
	acct.Version++
	m.accounts[acct.ID] = acct.Clone()
	if mut.Create {
		m.numbers[acct.AccountNumber] = struct{}{}
	}

	if mut.Entry != nil {
		m.seq++
		mut.Entry.Sequence = m.seq
		entry := *mut.Entry
		m.ledgers[acct.ID] = append(m.ledgers[acct.ID], &entry)
		m.refs[entry.Reference] = &entry
	}

	for i := range mut.Outbox {
		msg := mut.Outbox[i]
		m.outbox = append(m.outbox, &msg)
	}
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, models.ErrAccountNotFound)
	}
	return a.Clone(), nil
}

func (m *Memory) ListAccountsByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Account, 0)
	for _, a := range m.accounts {
		if a.UserID == userID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.refs[reference]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

func (m *Memory) ListTransactions(ctx context.Context, accountID string, q models.TransactionQuery) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, models.ErrAccountNotFound)
	}
	return m.orderedLedger(accountID, q), nil
}

func (m *Memory) Snapshot(ctx context.Context, accountID string) (*models.Account, []*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return nil, nil, fmt.Errorf("account %s: %w", accountID, models.ErrAccountNotFound)
	}
	return a.Clone(), m.orderedLedger(accountID, models.TransactionQuery{}), nil
}

// orderedLedger must be called with mu held.
func (m *Memory) orderedLedger(accountID string, q models.TransactionQuery) []*models.Transaction {
	out := make([]*models.Transaction, 0, len(m.ledgers[accountID]))
	for _, tx := range m.ledgers[accountID] {
		if q.Contains(tx.CreatedAt) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) PendingOutbox(ctx context.Context, limit int, skipAccounts []string) ([]models.OutboxMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	skip := make(map[string]bool, len(skipAccounts))
	for _, id := range skipAccounts {
		skip[id] = true
	}

	out := make([]models.OutboxMessage, 0, limit)
	for _, msg := range m.outbox {
		if msg.SentAt != nil || skip[msg.AccountID] {
			continue
		}
		out = append(out, *msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkOutboxSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.outbox {
		if msg.ID == id {
			msg.SentAt = &at
			msg.Attempts++
			msg.LastError = ""
			return nil
		}
	}
	return fmt.Errorf("outbox message %s not found", id)
}

func (m *Memory) MarkOutboxFailed(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.outbox {
		if msg.ID == id {
			msg.Attempts++
			msg.LastError = reason
			return nil
		}
	}
	return fmt.Errorf("outbox message %s not found", id)
}

// Outbox returns every outbox message, sent or not, in commit order.
func (m *Memory) Outbox() []models.OutboxMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.OutboxMessage, 0, len(m.outbox))
	for _, msg := range m.outbox {
		out = append(out, *msg)
	}
	return out
}
