// Package kafka delivers outbox messages to the accounting sync topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fieldforce/internal/infrastructure/storage/postgres"
	"fieldforce/pkg/logger"
)

var tracer = otel.Tracer("fieldforce/kafka")

// Config holds producer settings.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes outbox messages. It implements postgres.OutboxHandler.
type Producer struct {
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
}

var _ postgres.OutboxHandler = (*Producer)(nil)

// NewProducer creates a synchronous producer.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return newProducer(writer, cfg), nil
}

func newProducer(w messageWriter, cfg Config) *Producer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Producer{writer: w, topic: cfg.Topic, writeTimeout: cfg.WriteTimeout}
}

// Handle publishes one outbox message keyed by its aggregate id, so all
// events of one vendor land on the same partition in order.
func (p *Producer) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	ctx, span := tracer.Start(ctx, "kafka.publish", trace.WithAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("outbox.event_type", msg.EventType),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	err := p.writer.WriteMessages(ctx, ToMessage(msg))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		return fmt.Errorf("publish %s to %s: %w", msg.EventType, p.topic, err)
	}

	logger.Debug(ctx, "outbox message published",
		"message_id", msg.ID,
		"event_type", msg.EventType,
		"topic", p.topic,
	)
	return nil
}

// ToMessage converts an outbox row into a Kafka message.
func ToMessage(msg *postgres.OutboxMessage) kafka.Message {
	return kafka.Message{
		Key:   []byte(msg.AggregateID.String()),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "aggregate_type", Value: []byte(msg.AggregateType)},
			{Key: "message_id", Value: []byte(msg.ID.String())},
		},
		Time: msg.CreatedAt,
	}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
