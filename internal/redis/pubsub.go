package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PubSubTransport publishes telemetry over Redis PUBLISH. Delivery is
// best-effort: messages sent while no subscriber listens are lost.
type PubSubTransport struct {
	client *redis.Client
}

// NewPubSubTransport wraps client as a telemetry transport. The caller owns
// the client and closes it.
func NewPubSubTransport(client *redis.Client) *PubSubTransport {
	return &PubSubTransport{client: client}
}

// Publish sends value on the channel named topic. key is ignored; Redis
// channels have no partitioning.
func (t *PubSubTransport) Publish(ctx context.Context, topic, _ string, value []byte) error {
	if err := t.client.Publish(ctx, topic, value).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", topic, err)
	}
	return nil
}
