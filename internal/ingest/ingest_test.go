package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abkawan/account-ledger/internal/db"
	"github.com/abkawan/account-ledger/internal/dedup"
	"github.com/abkawan/account-ledger/internal/models"
	"github.com/abkawan/account-ledger/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDelivery struct {
	body []byte
	key  string

	once   sync.Once
	done   chan struct{}
	result string
	reason string
}

func newDelivery(body []byte, key string) *fakeDelivery {
	return &fakeDelivery{body: body, key: key, done: make(chan struct{})}
}

func (d *fakeDelivery) Body() []byte { return d.body }
func (d *fakeDelivery) Key() string  { return d.key }

func (d *fakeDelivery) settle(result, reason string) {
	d.once.Do(func() {
		d.result = result
		d.reason = reason
		close(d.done)
	})
}

func (d *fakeDelivery) Ack() error { d.settle("ack", ""); return nil }

func (d *fakeDelivery) Nack(requeue bool) error {
	if requeue {
		d.settle("requeue", "")
	} else {
		d.settle("drop", "")
	}
	return nil
}

func (d *fakeDelivery) DeadLetter(reason string) error { d.settle("dead", reason); return nil }

type sliceSource struct {
	deliveries []*fakeDelivery
	// sent is closed once every delivery was handed over, when non-nil.
	sent chan struct{}
}

func (s *sliceSource) Name() string { return "test" }

func (s *sliceSource) Consume(ctx context.Context, out chan<- Delivery) error {
	for _, d := range s.deliveries {
		select {
		case out <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.sent != nil {
		close(s.sent)
	}
	<-ctx.Done()
	return ctx.Err()
}

// flakyStore fails commits of entries with the given reference; failAll keeps
// failing, otherwise only the first commit fails.
type flakyStore struct {
	*db.Memory
	reference string
	failAll   bool
	failures  atomic.Int32
}

func (s *flakyStore) Commit(ctx context.Context, mut db.Mutation) error {
	if mut.Entry != nil && mut.Entry.Reference == s.reference {
		if s.failAll || s.failures.Load() == 0 {
			s.failures.Add(1)
			return errors.New("connection reset by peer")
		}
	}
	return s.Memory.Commit(ctx, mut)
}

type harness struct {
	engine *service.Engine
	dedup  *dedup.Memory
	ing    *Ingestor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, db.NewMemory())
}

func newHarnessWithStore(t *testing.T, store db.Store) *harness {
	t.Helper()
	dd := dedup.NewMemory(time.Hour, 1000)
	engine := service.NewEngine(store, zap.NewNop(), service.WithDeduplicator(dd))
	return &harness{
		engine: engine,
		dedup:  dd,
		ing: New(engine, dd, zap.NewNop(), Config{
			Workers:       4,
			Timeout:       time.Second,
			RetryDelay:    5 * time.Millisecond,
			MaxRetryDelay: 20 * time.Millisecond,
		}),
	}
}

func (h *harness) account(t *testing.T, balance string) *models.Account {
	t.Helper()
	a, err := h.engine.CreateAccount(context.Background(), models.CreateAccountRequest{
		UserID:         "u1",
		AccountType:    "CHECKING",
		Currency:       "EUR",
		InitialBalance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	return a
}

// run feeds deliveries through the ingestor and waits until each is settled.
func (h *harness) run(t *testing.T, deliveries ...*fakeDelivery) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.ing.Run(ctx, &sliceSource{deliveries: deliveries})
	}()

	for _, d := range deliveries {
		select {
		case <-d.done:
		case <-time.After(5 * time.Second):
			t.Fatal("delivery was never settled")
		}
	}
	cancel()
	require.NoError(t, <-errCh)
}

func encode(t *testing.T, ev models.InboundEvent) []byte {
	t.Helper()
	body, err := models.EncodeInbound(ev)
	require.NoError(t, err)
	return body
}

func pay(id, accountID, amount, typ string) models.PaymentCompletedEvent {
	return models.PaymentCompletedEvent{
		PaymentID:       id,
		AccountID:       accountID,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "EUR",
		TransactionType: typ,
	}
}

func balance(t *testing.T, h *harness, id string) string {
	t.Helper()
	b, _, err := h.engine.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b.StringFixed(2)
}

func TestIngestAppliesAndAcks(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "1000.00")

	d := newDelivery(encode(t, pay("p1", a.ID, "750.50", "TRANSFER")), a.ID)
	h.run(t, d)

	assert.Equal(t, "ack", d.result)
	assert.Equal(t, "1750.50", balance(t, h, a.ID))
}

func TestIngestDeadLettersUndecodable(t *testing.T) {
	h := newHarness(t)

	garbage := newDelivery([]byte("not json"), "")
	unknown := newDelivery([]byte(`{"id":"1","type":"payment.refunded","payload":{}}`), "")
	invalid := newDelivery([]byte(`{"id":"2","type":"payment.completed","payload":{"paymentId":"p"}}`), "")
	h.run(t, garbage, unknown, invalid)

	assert.Equal(t, "dead", garbage.result)
	assert.Equal(t, "MALFORMED_EVENT", garbage.reason)
	assert.Equal(t, "dead", unknown.result)
	assert.Equal(t, "UNKNOWN_EVENT_TYPE", unknown.reason)
	assert.Equal(t, "dead", invalid.result)
}

func TestIngestRejectsPartitionKeyMismatch(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "10.00")

	d := newDelivery(encode(t, pay("p1", a.ID, "5.00", "DEPOSIT")), "some-other-account")
	h.run(t, d)

	assert.Equal(t, "dead", d.result)
	assert.Equal(t, "PARTITION_KEY_MISMATCH", d.reason)
	assert.Equal(t, "10.00", balance(t, h, a.ID))
}

func TestIngestAcksBusinessRejection(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "10.00")

	d := newDelivery(encode(t, pay("p1", a.ID, "50.00", "PAYMENT")), a.ID)
	h.run(t, d)

	assert.Equal(t, "ack", d.result)
	assert.Equal(t, "10.00", balance(t, h, a.ID))
}

func TestIngestRequeuesOrphanReversal(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "10.00")

	rev := models.PaymentReversedEvent{PaymentID: "never-seen", AccountID: a.ID, Amount: decimal.NewFromInt(1), Currency: "EUR"}
	d := newDelivery(encode(t, rev), a.ID)
	h.run(t, d)

	assert.Equal(t, "requeue", d.result)
	assert.Equal(t, "10.00", balance(t, h, a.ID))
}

func TestIngestSkipsSeenEvents(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "10.00")
	body := encode(t, pay("p1", a.ID, "5.00", "DEPOSIT"))

	first := newDelivery(body, a.ID)
	h.run(t, first)
	second := newDelivery(body, a.ID)
	h.run(t, second)

	assert.Equal(t, "ack", first.result)
	assert.Equal(t, "ack", second.result)
	assert.Equal(t, "15.00", balance(t, h, a.ID))
}

func TestIngestSkipsReplayedRejections(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "10.00")
	body := encode(t, pay("p1", a.ID, "50.00", "WITHDRAWAL"))

	h.run(t, newDelivery(body, a.ID))
	outcome, ok, err := h.dedup.Seen(context.Background(), "payment.completed:p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, outcome.IsRejection())

	// Funds arriving later do not resurrect an event that was already rejected.
	_, err = h.engine.ApplyPayment(context.Background(), pay("top-up", a.ID, "100.00", "DEPOSIT"))
	require.NoError(t, err)
	d := newDelivery(body, a.ID)
	h.run(t, d)

	assert.Equal(t, "ack", d.result)
	assert.Equal(t, "110.00", balance(t, h, a.ID))
}

func TestIngestPreservesPerAccountOrder(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "0")
	b := h.account(t, "0")

	var deliveries []*fakeDelivery
	for n := 0; n < 30; n++ {
		deliveries = append(deliveries,
			newDelivery(encode(t, pay(fmt.Sprintf("a-%02d", n), a.ID, "1.00", "DEPOSIT")), a.ID),
			newDelivery(encode(t, pay(fmt.Sprintf("b-%02d", n), b.ID, "2.00", "DEPOSIT")), b.ID),
		)
	}
	// Payment then its reversal, back to back on the same account.
	deliveries = append(deliveries,
		newDelivery(encode(t, pay("a-last", a.ID, "5.00", "DEPOSIT")), a.ID),
		newDelivery(encode(t, models.PaymentReversedEvent{PaymentID: "a-last", AccountID: a.ID, Amount: decimal.NewFromInt(5), Currency: "EUR"}), a.ID),
	)
	h.run(t, deliveries...)

	for _, d := range deliveries {
		assert.Equal(t, "ack", d.result)
	}
	assert.Equal(t, "30.00", balance(t, h, a.ID))
	assert.Equal(t, "60.00", balance(t, h, b.ID))

	txs, err := h.engine.ListTransactions(context.Background(), a.ID, models.TransactionQuery{})
	require.NoError(t, err)
	require.Len(t, txs, 32)
	for n := 0; n < 30; n++ {
		assert.Equal(t, fmt.Sprintf("a-%02d", n), txs[n].Reference)
	}
	assert.Equal(t, "a-last-REVERSAL", txs[31].Reference)
}

func TestIngestRetriesTransientFailureBeforeLaterEvents(t *testing.T) {
	store := &flakyStore{Memory: db.NewMemory(), reference: "credit-1"}
	h := newHarnessWithStore(t, store)
	a := h.account(t, "0")

	credit := newDelivery(encode(t, pay("credit-1", a.ID, "100.00", "DEPOSIT")), a.ID)
	debit := newDelivery(encode(t, pay("debit-1", a.ID, "100.00", "PAYMENT")), a.ID)
	h.run(t, credit, debit)

	assert.Equal(t, int32(1), store.failures.Load())
	assert.Equal(t, "ack", credit.result)
	assert.Equal(t, "ack", debit.result)
	assert.Equal(t, "0.00", balance(t, h, a.ID))

	txs, err := h.engine.ListTransactions(context.Background(), a.ID, models.TransactionQuery{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "credit-1", txs[0].Reference)
	assert.Equal(t, "debit-1", txs[1].Reference)
}

func TestIngestShutdownRequeuesAccountBehindFailure(t *testing.T) {
	store := &flakyStore{Memory: db.NewMemory(), reference: "credit-1", failAll: true}
	h := newHarnessWithStore(t, store)
	a := h.account(t, "0")

	credit := newDelivery(encode(t, pay("credit-1", a.ID, "100.00", "DEPOSIT")), a.ID)
	debit := newDelivery(encode(t, pay("debit-1", a.ID, "100.00", "PAYMENT")), a.ID)
	src := &sliceSource{deliveries: []*fakeDelivery{credit, debit}, sent: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.ing.Run(ctx, src)
	}()

	<-src.sent
	require.Eventually(t, func() bool { return store.failures.Load() >= 2 }, 5*time.Second, time.Millisecond)
	select {
	case <-credit.done:
		t.Fatal("credit settled while its commit was still failing")
	default:
	}

	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, "requeue", credit.result)
	assert.Equal(t, "requeue", debit.result)
	assert.Equal(t, "0.00", balance(t, h, a.ID))
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	cfg := Config{RetryDelay: 10 * time.Millisecond, MaxRetryDelay: 50 * time.Millisecond}.withDefaults()

	assert.Equal(t, 10*time.Millisecond, cfg.backoff(0))
	assert.Equal(t, 20*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 40*time.Millisecond, cfg.backoff(2))
	assert.Equal(t, 50*time.Millisecond, cfg.backoff(3))
	assert.Equal(t, 50*time.Millisecond, cfg.backoff(100))
}

func TestRouteIsStable(t *testing.T) {
	for _, id := range []string{"a", "b", "acc-123"} {
		assert.Equal(t, route(id, 8), route(id, 8))
		assert.Less(t, route(id, 8), 8)
	}
}
