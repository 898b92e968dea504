package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Producer publishes messages to Kafka topics.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// ProducerOption tunes the underlying writer.
type ProducerOption func(*kafka.Writer)

// WithMaxAttempts sets how many times a write is attempted before failing.
// Telemetry producers use 1: results are best-effort and never retried.
func WithMaxAttempts(n int) ProducerOption {
	return func(w *kafka.Writer) { w.MaxAttempts = n }
}

// WithWriteTimeout bounds a single write.
func WithWriteTimeout(d time.Duration) ProducerOption {
	return func(w *kafka.Writer) { w.WriteTimeout = d }
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a producer for the given brokers. Messages with the same
// key land on the same partition.
func NewProducer(brokers []string, opts ...ProducerOption) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	for _, o := range opts {
		o(w)
	}
	return &producer{writer: w}
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	headers := make(HeaderCarrier, 0, 2)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
