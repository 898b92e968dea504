//go:build integration

package redis_test

import (
	"context"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	offloadredis "github.com/ramiqadoumi/go-task-offload/internal/redis"
)

// newRedisClient starts a Redis container and returns a client connected to it.
func newRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { ctr.Terminate(context.Background()) }) //nolint:errcheck

	connStr, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	client := offloadredis.NewClient(strings.TrimPrefix(connStr, "redis://"))
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	require.NoError(t, offloadredis.Ping(ctx, client))
	return client
}

func TestRedis_RateLimiter_AdmitsUpToLimit(t *testing.T) {
	limiter := offloadredis.NewRateLimiter(newRedisClient(t), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "voice.asr")
		require.NoError(t, err)
		assert.True(t, ok, "event %d should be admitted", i+1)
	}

	ok, err := limiter.Allow(ctx, "voice.asr")
	require.NoError(t, err)
	assert.False(t, ok, "fourth event exceeds the limit")

	ok, err = limiter.Allow(ctx, "text.generate")
	require.NoError(t, err)
	assert.True(t, ok, "keys are limited independently")
}

func TestRedis_RateLimiter_WindowExpires(t *testing.T) {
	limiter := offloadredis.NewRateLimiter(newRedisClient(t), 1, 200*time.Millisecond)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(300 * time.Millisecond)

	ok, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_PubSubTransport_Delivers(t *testing.T) {
	client := newRedisClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "offload.results.voice")
	t.Cleanup(func() { sub.Close() }) //nolint:errcheck
	_, err := sub.Receive(ctx)        // subscription confirmation
	require.NoError(t, err)

	transport := offloadredis.NewPubSubTransport(client)
	require.NoError(t, transport.Publish(ctx, "offload.results.voice", "task-1", []byte(`{"task_id":"task-1"}`)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"task_id":"task-1"}`, msg.Payload)
}
