package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/abkawan/account-ledger/internal/ingest"
	"github.com/abkawan/account-ledger/internal/models"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type settlement int

const (
	settleCommit settlement = iota
	settleRedeliver
)

// KafkaSource reads inbound events with a consumer group. Each fetched
// message is handed over and settled before the next one is fetched, so a
// partition is processed strictly in order; parallelism comes from running
// several readers in the group.
type KafkaSource struct {
	reader     *kafka.Reader
	deadLetter *kafka.Writer
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewKafkaSource(brokers []string, topic, groupID string, retryDelay time.Duration, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		deadLetter: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic + ".dlq",
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		retryDelay: retryDelay,
		logger:     logger,
	}
}

func (k *KafkaSource) Name() string { return "kafka" }

func (k *KafkaSource) Close() error {
	if err := k.reader.Close(); err != nil {
		return err
	}
	return k.deadLetter.Close()
}

func (k *KafkaSource) Consume(ctx context.Context, out chan<- ingest.Delivery) error {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		for {
			d := &kafkaDelivery{msg: msg, dlq: k.deadLetter, done: make(chan settlement, 1)}
			select {
			case out <- d:
			case <-ctx.Done():
				return ctx.Err()
			}

			var s settlement
			select {
			case s = <-d.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if s == settleCommit {
				break
			}

			k.logger.Debug("redelivering kafka message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			select {
			case <-time.After(k.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

type kafkaDelivery struct {
	msg  kafka.Message
	dlq  *kafka.Writer
	done chan settlement
}

func (d *kafkaDelivery) Body() []byte { return d.msg.Value }
func (d *kafkaDelivery) Key() string  { return string(d.msg.Key) }

func (d *kafkaDelivery) Ack() error {
	d.done <- settleCommit
	return nil
}

// Nack without requeue drops the message by committing past it.
func (d *kafkaDelivery) Nack(requeue bool) error {
	if requeue {
		d.done <- settleRedeliver
	} else {
		d.done <- settleCommit
	}
	return nil
}

// DeadLetter copies the message to the dead-letter topic before committing
// past it. If the copy fails the message is redelivered instead.
func (d *kafkaDelivery) DeadLetter(reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := d.dlq.WriteMessages(ctx, kafka.Message{
		Key:   d.msg.Key,
		Value: d.msg.Value,
		Headers: append(d.msg.Headers,
			kafka.Header{Key: "dead-letter-reason", Value: []byte(reason)},
			kafka.Header{Key: "original-offset", Value: []byte(fmt.Sprint(d.msg.Offset))},
		),
	})
	if err != nil {
		d.done <- settleRedeliver
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	d.done <- settleCommit
	return nil
}

// KafkaSink publishes outbound events keyed by account id, so one account's
// events land on one partition in order.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func (s *KafkaSink) Publish(ctx context.Context, msg models.OutboxMessage) error {
	body, err := msg.Envelope()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.AccountID),
		Value: body,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(msg.ID)},
			{Key: "event-type", Value: []byte(msg.EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// publishes an inbound event keyed by its account; used with a sink built on
// the inbound topic by the load generator
func (s *KafkaSink) PublishInbound(ctx context.Context, ev models.InboundEvent) error {
	body, err := models.EncodeInbound(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Account()), Value: body})
}
