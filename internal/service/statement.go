package service

import (
	"context"
	"fmt"
	"time"

	"github.com/abkawan/account-ledger/internal/db"
	"github.com/abkawan/account-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// StatementGenerator rebuilds opening and closing balances for a window from
// the current balance and the ledger, without relying on stored snapshots.
type StatementGenerator struct {
	store db.Store
}

func NewStatementGenerator(store db.Store) *StatementGenerator {
	return &StatementGenerator{store: store}
}

// Generate returns the statement for [start, end). Account and ledger are
// read from one snapshot, so a concurrent mutation is either fully included
// or not at all.
func (g *StatementGenerator) Generate(ctx context.Context, accountID string, start, end time.Time) (*models.Statement, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("statement end %s before start %s: %w",
			end.Format(time.RFC3339), start.Format(time.RFC3339), models.ErrInvalidRequest)
	}

	account, ledger, err := g.store.Snapshot(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger snapshot: %w", err)
	}

	after := decimal.Zero
	within := decimal.Zero
	txs := make([]*models.Transaction, 0)
	for _, tx := range ledger {
		switch {
		case !tx.CreatedAt.Before(end):
			after = after.Add(tx.Net())
		case !tx.CreatedAt.Before(start):
			within = within.Add(tx.Net())
			txs = append(txs, tx)
		}
	}

	closing := account.Balance.Sub(after)
	return &models.Statement{
		AccountID:      account.ID,
		Currency:       account.Currency,
		Start:          start,
		End:            end,
		OpeningBalance: closing.Sub(within),
		ClosingBalance: closing,
		Transactions:   txs,
	}, nil
}
