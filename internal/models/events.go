package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventKind names an inbound event on the wire.
type EventKind string

const (
	KindPaymentCompleted EventKind = "payment.completed"
	KindPaymentReversed  EventKind = "payment.reversed"
	KindFraudDetected    EventKind = "fraud.detected"
)

// FraudActionBlocked is the fraud action that suspends an account.
const FraudActionBlocked = "BLOCKED"

// InboundEvent is the closed set of events the ledger consumes. The unexported
// marker keeps other packages from adding kinds; consumers switch on the
// concrete type.
type InboundEvent interface {
	inbound()
	Kind() EventKind
	// Account is the id of the account the event mutates.
	Account() string
	// DedupKey identifies the event for idempotent re-processing.
	DedupKey() string
}

type PaymentCompletedEvent struct {
	PaymentID       string          `json:"paymentId"`
	AccountID       string          `json:"accountId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	TransactionType string          `json:"transactionType"`
	CompletedAt     time.Time       `json:"completedAt"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

type PaymentReversedEvent struct {
	PaymentID           string          `json:"paymentId"`
	AccountID           string          `json:"accountId"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	ReversalReason      string          `json:"reversalReason"`
	OriginalPaymentDate time.Time       `json:"originalPaymentDate"`
	ReversedAt          time.Time       `json:"reversedAt"`
}

type FraudDetectedEvent struct {
	FraudID    string          `json:"fraudId"`
	PaymentID  string          `json:"paymentId"`
	AccountID  string          `json:"accountId"`
	UserID     string          `json:"userId"`
	Amount     decimal.Decimal `json:"amount"`
	FraudType  string          `json:"fraudType"`
	Reason     string          `json:"reason"`
	DetectedAt time.Time       `json:"detectedAt"`
	Action     string          `json:"action"`
}

func (PaymentCompletedEvent) inbound() {}
func (PaymentReversedEvent) inbound()  {}
func (FraudDetectedEvent) inbound()    {}

func (PaymentCompletedEvent) Kind() EventKind { return KindPaymentCompleted }
func (PaymentReversedEvent) Kind() EventKind  { return KindPaymentReversed }
func (FraudDetectedEvent) Kind() EventKind    { return KindFraudDetected }

func (e PaymentCompletedEvent) Account() string { return e.AccountID }
func (e PaymentReversedEvent) Account() string  { return e.AccountID }
func (e FraudDetectedEvent) Account() string    { return e.AccountID }

func (e PaymentCompletedEvent) DedupKey() string {
	return string(KindPaymentCompleted) + ":" + e.PaymentID
}

func (e PaymentReversedEvent) DedupKey() string {
	return string(KindPaymentReversed) + ":" + e.PaymentID
}

func (e FraudDetectedEvent) DedupKey() string {
	return string(KindFraudDetected) + ":" + e.FraudID
}

func (e PaymentCompletedEvent) validate() error {
	if e.PaymentID == "" || e.AccountID == "" {
		return fmt.Errorf("payment completed: paymentId and accountId are required: %w", ErrMalformedEvent)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("payment completed %s: amount must be positive: %w", e.PaymentID, ErrMalformedEvent)
	}
	return nil
}

func (e PaymentReversedEvent) validate() error {
	if e.PaymentID == "" || e.AccountID == "" {
		return fmt.Errorf("payment reversed: paymentId and accountId are required: %w", ErrMalformedEvent)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("payment reversed %s: amount must be positive: %w", e.PaymentID, ErrMalformedEvent)
	}
	return nil
}

func (e FraudDetectedEvent) validate() error {
	if e.FraudID == "" || e.AccountID == "" {
		return fmt.Errorf("fraud detected: fraudId and accountId are required: %w", ErrMalformedEvent)
	}
	return nil
}

// InboundEnvelope is the transport framing around every inbound event.
type InboundEnvelope struct {
	ID         string          `json:"id"`
	Type       EventKind       `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// DecodeInbound parses a transport message body into one of the inbound event
// kinds. Unknown kinds fail with ErrUnknownEventType, undecodable or
// incomplete payloads with ErrMalformedEvent.
func DecodeInbound(body []byte) (InboundEvent, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %v: %w", err, ErrMalformedEvent)
	}

	switch EventKind(strings.ToLower(string(env.Type))) {
	case KindPaymentCompleted:
		var e PaymentCompletedEvent
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		return e, e.validate()
	case KindPaymentReversed:
		var e PaymentReversedEvent
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		return e, e.validate()
	case KindFraudDetected:
		var e FraudDetectedEvent
		if err := decodePayload(env, &e); err != nil {
			return nil, err
		}
		return e, e.validate()
	}
	return nil, fmt.Errorf("event type %q: %w", env.Type, ErrUnknownEventType)
}

func decodePayload(env InboundEnvelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload: %w", env.Type, ErrMalformedEvent)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %v: %w", env.Type, err, ErrMalformedEvent)
	}
	return nil
}

// EncodeInbound frames an event the way DecodeInbound expects it.
func EncodeInbound(e InboundEvent) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(InboundEnvelope{
		ID:         uuid.New().String(),
		Type:       e.Kind(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
}

// OutboundEventType names an event the ledger emits.
type OutboundEventType string

const (
	AccountCreated   OutboundEventType = "account.created"
	AccountUpdated   OutboundEventType = "account.updated"
	AccountSuspended OutboundEventType = "account.suspended"
	AccountClosed    OutboundEventType = "account.closed"
	BalanceChanged   OutboundEventType = "balance.changed"
)

type AccountCreatedEvent struct {
	AccountID      string          `json:"accountId"`
	UserID         string          `json:"userId"`
	AccountNumber  string          `json:"accountNumber"`
	AccountType    AccountType     `json:"accountType"`
	Currency       string          `json:"currency"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	Timestamp      time.Time       `json:"timestamp"`
}

type AccountUpdatedEvent struct {
	AccountID      string        `json:"accountId"`
	PreviousStatus AccountStatus `json:"previousStatus"`
	Status         AccountStatus `json:"status"`
	UpdatedBy      string        `json:"updatedBy,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

type AccountSuspendedEvent struct {
	AccountID        string    `json:"accountId"`
	SuspensionReason string    `json:"suspensionReason"`
	SuspendedBy      string    `json:"suspendedBy"`
	Timestamp        time.Time `json:"timestamp"`
}

type AccountClosedEvent struct {
	AccountID     string          `json:"accountId"`
	ClosureReason string          `json:"closureReason"`
	FinalBalance  decimal.Decimal `json:"finalBalance"`
	Timestamp     time.Time       `json:"timestamp"`
}

type BalanceChangedEvent struct {
	AccountID            string          `json:"accountId"`
	PreviousBalance      decimal.Decimal `json:"previousBalance"`
	NewBalance           decimal.Decimal `json:"newBalance"`
	ChangeAmount         decimal.Decimal `json:"changeAmount"`
	ChangeType           TransactionType `json:"changeType"`
	TransactionReference string          `json:"transactionReference"`
	Timestamp            time.Time       `json:"timestamp"`
}

// OutboxMessage is an outbound event persisted in the same commit as the
// mutation that produced it. ID doubles as the published event id.
type OutboxMessage struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	EventType OutboundEventType `json:"event_type"`
	Payload   json.RawMessage   `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`
	SentAt    *time.Time        `json:"sent_at,omitempty"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
}

func NewOutboxMessage(accountID string, eventType OutboundEventType, payload any, at time.Time) (OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("failed to marshal %s: %w", eventType, err)
	}
	return OutboxMessage{
		ID:        uuid.New().String(),
		AccountID: accountID,
		EventType: eventType,
		Payload:   body,
		CreatedAt: at,
	}, nil
}

// OutboundEnvelope is what sinks put on the wire.
type OutboundEnvelope struct {
	EventID    string            `json:"eventId"`
	EventType  OutboundEventType `json:"eventType"`
	AccountID  string            `json:"accountId"`
	OccurredAt time.Time         `json:"occurredAt"`
	Payload    json.RawMessage   `json:"payload"`
}

// Envelope renders the message for publication.
func (m OutboxMessage) Envelope() ([]byte, error) {
	return json.Marshal(OutboundEnvelope{
		EventID:    m.ID,
		EventType:  m.EventType,
		AccountID:  m.AccountID,
		OccurredAt: m.CreatedAt,
		Payload:    m.Payload,
	})
}

// RejectionSource tells whether a rejection came from an event or an
// administrative call.
type RejectionSource string

const (
	SourceEvent RejectionSource = "event"
	SourceAdmin RejectionSource = "admin"
)

// Rejection is the audit record of a refused mutation.
type Rejection struct {
	EventKey   string          `json:"event_key" bson:"event_key"`
	AccountID  string          `json:"account_id" bson:"account_id"`
	Operation  string          `json:"operation" bson:"operation"`
	Source     RejectionSource `json:"source" bson:"source"`
	Code       string          `json:"code" bson:"code"`
	Message    string          `json:"message" bson:"message"`
	RecordedAt time.Time       `json:"recorded_at" bson:"recorded_at"`
}
