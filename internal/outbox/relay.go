// Package outbox publishes the events that mutations persisted alongside
// their ledger writes.
package outbox

import (
	"context"
	"time"

	"github.com/abkawan/account-ledger/internal/metrics"
	"github.com/abkawan/account-ledger/internal/models"
	"go.uber.org/zap"
)

// Sink delivers one outbound event to the outside world.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg models.OutboxMessage) error
}

// Store is the outbox half of db.Store.
type Store interface {
	PendingOutbox(ctx context.Context, limit int, skipAccounts []string) ([]models.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, reason string) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Relay polls pending outbox rows and publishes them in commit order. A
// message that fails stays pending and is retried on the next pass, forever;
// later messages of the same account wait behind it.
type Relay struct {
	store    Store
	sink     Sink
	logger   *zap.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
	wake     chan struct{}
}

func NewRelay(store Store, sink Sink, logger *zap.Logger, cfg Config) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		store:    store,
		sink:     sink,
		logger:   logger,
		interval: cfg.PollInterval,
		batch:    cfg.BatchSize,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Notify asks for a pass as soon as possible. It never blocks, so the engine
// can call it after every commit.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run publishes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started",
		zap.String("sink", r.sink.Name()),
		zap.Duration("poll_interval", r.interval),
	)

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Flush publishes pending messages until the outbox is drained of everything
// not blocked behind a failure. Once a message fails, its account is left out
// of later pages so other accounts keep moving. It returns how many were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	sent, held := 0, 0
	blocked := make(map[string]bool)
	var skip []string
	for {
		msgs, err := r.store.PendingOutbox(ctx, r.batch, skip)
		if err != nil {
			return sent, err
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			if blocked[msg.AccountID] {
				held++
				continue
			}
			if err := r.publish(ctx, msg); err != nil {
				blocked[msg.AccountID] = true
				skip = append(skip, msg.AccountID)
				held++
				continue
			}
			sent++
		}

		if len(msgs) < r.batch {
			metrics.OutboxPending.Set(float64(held))
			return sent, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, msg models.OutboxMessage) error {
	eventType := string(msg.EventType)
	if err := r.sink.Publish(ctx, msg); err != nil {
		metrics.OutboxPublished.WithLabelValues(eventType, "error").Inc()
		r.logger.Warn("failed to publish outbound event",
			zap.String("event_id", msg.ID),
			zap.String("event_type", eventType),
			zap.String("account_id", msg.AccountID),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err),
		)
		if markErr := r.store.MarkOutboxFailed(ctx, msg.ID, err.Error()); markErr != nil {
			r.logger.Error("failed to record outbox failure", zap.String("event_id", msg.ID), zap.Error(markErr))
		}
		return err
	}

	metrics.OutboxPublished.WithLabelValues(eventType, "success").Inc()
	if err := r.store.MarkOutboxSent(ctx, msg.ID, r.now().UTC()); err != nil {
		// Published but still pending: the next pass sends it again and
		// consumers drop it by event id.
		r.logger.Error("failed to mark outbox message sent", zap.String("event_id", msg.ID), zap.Error(err))
		return err
	}
	return nil
}
