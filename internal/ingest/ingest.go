// Package ingest turns transport deliveries into engine calls and decides how
// each delivery is settled.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abkawan/account-ledger/internal/dedup"
	"github.com/abkawan/account-ledger/internal/metrics"
	"github.com/abkawan/account-ledger/internal/models"
	"github.com/abkawan/account-ledger/internal/service"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Delivery is one inbound message with its acknowledgment handle.
type Delivery interface {
	Body() []byte
	// Key is the partition key the transport routed the message by, or ""
	// when the transport does not expose one.
	Key() string
	Ack() error
	// Nack withholds acknowledgment; with requeue the transport redelivers.
	Nack(requeue bool) error
	DeadLetter(reason string) error
}

// Source pushes deliveries into out until ctx is done or the transport fails.
type Source interface {
	Name() string
	Consume(ctx context.Context, out chan<- Delivery) error
}

// Applier is the part of the engine the ingestor drives.
type Applier interface {
	ApplyPayment(ctx context.Context, ev models.PaymentCompletedEvent) (*service.Outcome, error)
	ApplyReversal(ctx context.Context, ev models.PaymentReversedEvent) (*service.Outcome, error)
	ApplyFraudSignal(ctx context.Context, ev models.FraudDetectedEvent) (*service.Outcome, error)
}

type Config struct {
	Workers int
	Timeout time.Duration
	// RetryDelay is the first pause before a transiently failed event is
	// retried; each further attempt doubles it up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	QueueSize     int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = 30 * time.Second
		if c.MaxRetryDelay < c.RetryDelay {
			c.MaxRetryDelay = c.RetryDelay
		}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// backoff returns the pause before retry number attempt (zero based).
func (c Config) backoff(attempt int) time.Duration {
	if attempt > 16 {
		return c.MaxRetryDelay
	}
	d := c.RetryDelay << attempt
	if d > c.MaxRetryDelay || d <= 0 {
		return c.MaxRetryDelay
	}
	return d
}

type job struct {
	delivery Delivery
	event    models.InboundEvent
}

// Ingestor decodes deliveries and hands them to a fixed pool of workers. All
// events for one account go to the same worker, so they are applied in
// arrival order. A transient failure is retried in place, holding back the
// worker's later events, until it settles or the ingestor shuts down.
type Ingestor struct {
	engine Applier
	dedup  dedup.Deduplicator
	logger *zap.Logger
	cfg    Config
}

func New(engine Applier, dd dedup.Deduplicator, logger *zap.Logger, cfg Config) *Ingestor {
	return &Ingestor{
		engine: engine,
		dedup:  dd,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Run consumes src until ctx is cancelled or the source fails. In-flight
// events are finished before Run returns.
func (i *Ingestor) Run(ctx context.Context, src Source) error {
	deliveries := make(chan Delivery)
	workers := make([]chan job, i.cfg.Workers)

	var wg sync.WaitGroup
	for n := range workers {
		workers[n] = make(chan job, i.cfg.QueueSize)
		wg.Add(1)
		go func(jobs <-chan job) {
			defer wg.Done()
			parked := make(map[string]bool)
			for j := range jobs {
				i.process(ctx, j, parked)
			}
		}(workers[n])
	}

	srcErr := make(chan error, 1)
	go func() {
		srcErr <- src.Consume(ctx, deliveries)
	}()

	i.logger.Info("ingestor started",
		zap.String("transport", src.Name()),
		zap.Int("workers", i.cfg.Workers),
	)

	var err error
loop:
	for {
		select {
		case d := <-deliveries:
			metrics.EventsReceived.WithLabelValues(src.Name()).Inc()
			if j, ok := i.decode(d); ok {
				workers[route(j.event.Account(), len(workers))] <- j
			}
		case err = <-srcErr:
			break loop
		case <-ctx.Done():
			err = <-srcErr
			break loop
		}
	}

	for _, w := range workers {
		close(w)
	}
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s source stopped: %w", src.Name(), err)
	}
	return nil
}

func route(accountID string, workers int) int {
	return int(xxhash.Sum64String(accountID) % uint64(workers))
}

// decode parses the delivery and checks its partition key. Anything that can
// never be processed is dead-lettered here.
func (i *Ingestor) decode(d Delivery) (job, bool) {
	ev, err := models.DecodeInbound(d.Body())
	if err == nil && d.Key() != "" && d.Key() != ev.Account() {
		err = fmt.Errorf("key %q, account %q: %w", d.Key(), ev.Account(), models.ErrPartitionKeyMismatch)
	}
	if err != nil {
		kind := "unknown"
		if ev != nil {
			kind = string(ev.Kind())
		}
		i.deadLetter(d, kind, err)
		return job{}, false
	}
	return job{delivery: d, event: ev}, true
}

// process applies one event. Accounts in parked had an event handed back to
// the transport during shutdown; their later events follow it back so they
// are never applied ahead of it.
func (i *Ingestor) process(ctx context.Context, j job, parked map[string]bool) {
	kind := string(j.event.Kind())
	key := j.event.DedupKey()
	account := j.event.Account()
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	if parked[account] {
		i.requeue(j, kind, fmt.Errorf("account %s has an earlier event pending redelivery", account), 0)
		return
	}

	if outcome, seen, err := i.dedup.Seen(ctx, key); err != nil {
		i.logger.Warn("dedup lookup failed", zap.String("event_key", key), zap.Error(err))
	} else if seen {
		i.logger.Debug("event already processed", zap.String("event_key", key), zap.String("outcome", string(outcome)))
		i.ack(j, kind, "duplicate")
		return
	}

	for attempt := 0; ; attempt++ {
		out, err := i.applyOnce(ctx, j.event)
		switch {
		case err == nil:
			result := "applied"
			if out.Duplicate {
				result = "duplicate"
			} else if out.Ignored {
				result = "ignored"
			}
			i.ack(j, kind, result)
			return
		case models.IsBusinessRejection(err):
			i.ack(j, kind, "rejected")
			return
		case errors.Is(err, models.ErrOrphanReversal):
			// The original may be queued behind this event, so waiting in
			// place could never succeed.
			i.requeue(j, kind, err, i.cfg.RetryDelay)
			return
		case ctx.Err() != nil:
			parked[account] = true
			i.requeue(j, kind, err, 0)
			return
		}

		delay := i.cfg.backoff(attempt)
		metrics.EventsProcessed.WithLabelValues(kind, "retry").Inc()
		i.logger.Warn("event processing failed, retrying",
			zap.String("event_key", key),
			zap.String("account_id", account),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.String("code", models.ErrorCode(err)),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
}

// applyOnce runs one try under the processing timeout. Shutdown must not abort
// an event halfway, so the timeout is detached from ctx cancellation.
func (i *Ingestor) applyOnce(ctx context.Context, ev models.InboundEvent) (*service.Outcome, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.Timeout)
	defer cancel()

	out, err := i.apply(pctx, ev)
	if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("processing exceeded %s: %w", i.cfg.Timeout, err)
	}
	return out, err
}

// apply dispatches on the concrete event kind.
func (i *Ingestor) apply(ctx context.Context, ev models.InboundEvent) (*service.Outcome, error) {
	switch e := ev.(type) {
	case models.PaymentCompletedEvent:
		return i.engine.ApplyPayment(ctx, e)
	case models.PaymentReversedEvent:
		return i.engine.ApplyReversal(ctx, e)
	case models.FraudDetectedEvent:
		return i.engine.ApplyFraudSignal(ctx, e)
	}
	return nil, fmt.Errorf("%T: %w", ev, models.ErrUnknownEventType)
}

func (i *Ingestor) ack(j job, kind, result string) {
	metrics.EventsProcessed.WithLabelValues(kind, result).Inc()
	if err := j.delivery.Ack(); err != nil {
		i.logger.Error("failed to ack delivery", zap.String("event_key", j.event.DedupKey()), zap.Error(err))
	}
}

// requeue hands the event back to the transport after delay.
func (i *Ingestor) requeue(j job, kind string, cause error, delay time.Duration) {
	metrics.EventsProcessed.WithLabelValues(kind, "requeue").Inc()
	i.logger.Warn("requeueing event",
		zap.String("event_key", j.event.DedupKey()),
		zap.String("account_id", j.event.Account()),
		zap.String("code", models.ErrorCode(cause)),
		zap.Error(cause),
	)
	if delay > 0 {
		time.Sleep(delay)
	}
	if err := j.delivery.Nack(true); err != nil {
		i.logger.Error("failed to nack delivery", zap.String("event_key", j.event.DedupKey()), zap.Error(err))
	}
}

func (i *Ingestor) deadLetter(d Delivery, kind string, cause error) {
	metrics.EventsProcessed.WithLabelValues(kind, "dead_letter").Inc()
	i.logger.Error("dead-lettering event",
		zap.String("kind", kind),
		zap.String("key", d.Key()),
		zap.String("code", models.ErrorCode(cause)),
		zap.Error(cause),
	)
	if err := d.DeadLetter(models.ErrorCode(cause)); err != nil {
		i.logger.Error("failed to dead-letter delivery", zap.Error(err))
	}
}
