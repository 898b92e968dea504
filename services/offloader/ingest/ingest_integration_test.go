//go:build integration

package ingest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-task-offload/internal/breaker"
	"github.com/ramiqadoumi/go-task-offload/internal/domain"
	"github.com/ramiqadoumi/go-task-offload/internal/kafka"
	"github.com/ramiqadoumi/go-task-offload/internal/providers"
	"github.com/ramiqadoumi/go-task-offload/internal/publisher"
	"github.com/ramiqadoumi/go-task-offload/internal/queue"
	"github.com/ramiqadoumi/go-task-offload/services/offloader"
	"github.com/ramiqadoumi/go-task-offload/services/offloader/ingest"
)

// TestE2E_KafkaRequestToResult runs the full pipeline against a real broker:
// request topic → ingest → queue → executor → provider → result topic.
func TestE2E_KafkaRequestToResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// ── Infrastructure setup ─────────────────────────────────────────────────
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").WithStartupTimeout(90*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ctr.Terminate(context.Background()) }) //nolint:errcheck

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)

	suffix := time.Now().UnixNano()
	requestTopic := fmt.Sprintf("e2e-requests-%d", suffix)
	resultPrefix := fmt.Sprintf("e2e-results-%d", suffix)
	resultTopic := resultPrefix + "." + providers.DomainText
	createTopics(t, brokers, requestTopic, resultTopic)

	// ── Engine ───────────────────────────────────────────────────────────────
	logger := slog.Default()
	reg := providers.NewRegistry()
	require.NoError(t, reg.Register(providers.DomainText, providers.NewFuncProvider("echo",
		map[domain.TaskType][]string{domain.TaskTextGenerate: {"prompt"}},
		func(_ context.Context, env *domain.TaskEnvelope) (map[string]any, error) {
			return map[string]any{"text": "echo: " + env.Payload["prompt"].(string)}, nil
		},
	)))

	producer := kafka.NewProducer(brokers, kafka.WithMaxAttempts(3))
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	pub := publisher.New(producer, logger, publisher.WithTopicPrefix(resultPrefix), publisher.WithTimeout(10*time.Second))
	d := offloader.NewDispatcher(queue.New(10), reg, breaker.NewRegistry(breaker.DefaultConfig()),
		offloader.WithLogger(logger),
		offloader.WithPublisher(pub),
	)
	go d.Run(ctx) //nolint:errcheck

	consumer := kafka.NewConsumer(brokers, requestTopic, "e2e-ingest", logger)
	t.Cleanup(func() { consumer.Close() })           //nolint:errcheck
	go ingest.New(consumer, d, pub, logger).Run(ctx) //nolint:errcheck

	// ── Results reader (no group, from the start of the partition) ───────────
	results := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   brokers,
		Topic:     resultTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1 << 20,
	})
	t.Cleanup(func() { results.Close() }) //nolint:errcheck

	got := make(chan *publisher.Message, 1)
	go func() {
		for {
			m, err := results.ReadMessage(ctx)
			if err != nil {
				return
			}
			msg, err := publisher.Decode(m.Value)
			if err == nil && msg.Status == domain.StatusCompleted {
				got <- msg
				return
			}
		}
	}()

	// The ingest group join can lag behind the first write; keep publishing
	// until a result comes back.
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()
	for attempt := 1; ; attempt++ {
		taskID := fmt.Sprintf("e2e-%d", attempt)
		req, err := json.Marshal(map[string]any{
			"task_id":   taskID,
			"task_type": "text.generate",
			"payload":   map[string]any{"prompt": "hi"},
			"priority":  5,
		})
		require.NoError(t, err)
		require.NoError(t, producer.Publish(ctx, requestTopic, taskID, req))

		select {
		case msg := <-got:
			assert.Contains(t, msg.TaskID, "e2e-")
			assert.Equal(t, "echo: hi", msg.Result["text"])
			assert.Equal(t, resultTopic, msg.Topic)
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("timed out waiting for result telemetry")
		}
	}
}

func createTopics(t *testing.T, brokers []string, topics ...string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()

	cfgs := make([]kafkago.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		cfgs = append(cfgs, kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	}
	require.NoError(t, conn.CreateTopics(cfgs...))
}
