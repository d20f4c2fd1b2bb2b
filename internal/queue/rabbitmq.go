package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abkawan/account-ledger/internal/ingest"
	"github.com/abkawan/account-ledger/internal/models"
	"github.com/streadway/amqp"
)

const (
	// queue for inbound payment and fraud events
	InboundQueue = "ledger.inbound"

	// dead-letter exchange and queue for inbound events that cannot be processed
	DeadLetterExchange = "ledger.inbound.dlx"
	DeadLetterQueue    = "ledger.inbound.dead"

	// topic exchange for outbound account events, routed by event type
	OutboundExchange = "ledger.events"

	// PartitionKeyHeader carries the account id an inbound message was
	// partitioned by.
	PartitionKeyHeader = "partition-key"
)

// handles RabbitMQ operations
type RabbitMQ struct {
	conn     *amqp.Connection
	consume  *amqp.Channel
	publish  *amqp.Channel
	confirms chan amqp.Confirmation
	mu       sync.Mutex
	// tag is the delivery tag of the last publish on the confirm channel.
	tag      uint64
	prefetch int
}

const (
	confirmBuffer  = 256
	confirmTimeout = 30 * time.Second
)

func NewRabbitMQ(uri string, prefetch int) (*RabbitMQ, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	consume, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	publish, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	r := &RabbitMQ{
		conn:     conn,
		consume:  consume,
		publish:  publish,
		prefetch: prefetch,
	}
	if err := r.declare(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := publish.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	// Delivery tags restart at 1 once the channel is in confirm mode.
	r.confirms = publish.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	return r, nil
}

func (r *RabbitMQ) declare() error {
	ch := r.consume

	if err := ch.ExchangeDeclare(DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	_, err := ch.QueueDeclare(
		InboundQueue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		amqp.Table{"x-dead-letter-exchange": DeadLetterExchange},
	)
	if err != nil {
		return fmt.Errorf("failed to declare a queue: %w", err)
	}

	if err := ch.ExchangeDeclare(OutboundExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare outbound exchange: %w", err)
	}

	if r.prefetch > 0 {
		if err := ch.Qos(r.prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if err := r.publish.Close(); err != nil {
		return err
	}
	if err := r.consume.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}

func (r *RabbitMQ) Name() string { return "rabbitmq" }

// Consume forwards inbound deliveries until ctx is done or the broker closes
// the channel. Acknowledgment is left to the ingestor.
func (r *RabbitMQ) Consume(ctx context.Context, out chan<- ingest.Delivery) error {
	msgs, err := r.consume.Consume(
		InboundQueue, // queue
		"",           // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			select {
			case out <- rabbitDelivery{msg}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Publish sends one outbound event to the topic exchange and waits for the
// broker to confirm it.
func (r *RabbitMQ) Publish(ctx context.Context, msg models.OutboxMessage) error {
	body, err := msg.Envelope()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return r.send(ctx, OutboundExchange, string(msg.EventType), amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Type:         string(msg.EventType),
		Headers:      amqp.Table{PartitionKeyHeader: msg.AccountID},
		Body:         body,
		DeliveryMode: amqp.Persistent, // make message persistent
	})
}

// publishes an inbound event to the ledger queue, keyed by its account
func (r *RabbitMQ) PublishInbound(ctx context.Context, ev models.InboundEvent) error {
	body, err := models.EncodeInbound(ev)
	if err != nil {
		return err
	}

	return r.send(ctx, "", InboundQueue, amqp.Publishing{
		ContentType:  "application/json",
		Type:         string(ev.Kind()),
		Headers:      amqp.Table{PartitionKeyHeader: ev.Account()},
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

func (r *RabbitMQ) send(ctx context.Context, exchange, key string, p amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.publish.Publish(exchange, key, false, false, p); err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}
	r.tag++

	return awaitConfirm(ctx, r.confirms, r.tag, confirmTimeout)
}

// awaitConfirm waits for the confirmation of delivery tag. Confirmations for
// earlier tags belong to publishes that already gave up waiting and are
// skipped.
func awaitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, tag uint64, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-confirms:
			if !ok {
				return errors.New("rabbitmq channel closed before confirm")
			}
			if c.DeliveryTag < tag {
				continue
			}
			if c.DeliveryTag > tag {
				return fmt.Errorf("confirm for message %d arrived while waiting for %d", c.DeliveryTag, tag)
			}
			if !c.Ack {
				return fmt.Errorf("broker nacked message %d", c.DeliveryTag)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timed out waiting for publisher confirm of message %d", tag)
		}
	}
}

type rabbitDelivery struct {
	msg amqp.Delivery
}

func (d rabbitDelivery) Body() []byte { return d.msg.Body }

func (d rabbitDelivery) Key() string {
	if v, ok := d.msg.Headers[PartitionKeyHeader].(string); ok {
		return v
	}
	return ""
}

func (d rabbitDelivery) Ack() error { return d.msg.Ack(false) }

func (d rabbitDelivery) Nack(requeue bool) error { return d.msg.Nack(false, requeue) }

// DeadLetter rejects without requeue, which routes the message to the
// queue's dead-letter exchange.
func (d rabbitDelivery) DeadLetter(string) error { return d.msg.Reject(false) }
