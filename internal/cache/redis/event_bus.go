package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quasarlabs/quasard/internal/domain"
)

// streamMaxLen is the approximate maximum length of the event stream,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// eventStream is the Redis stream all engine events are appended to. Retry
// schedulers and dashboards consume it with XREAD.
const eventStream = "vault:events"

// EventBus implements domain.EventBus using a Redis stream, giving external
// consumers durable, ordered delivery of engine events.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

var _ domain.EventBus = (*EventBus)(nil)

// Publish appends one event to the stream.
func (eb *EventBus) Publish(ctx context.Context, event string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event":   event,
			"payload": payload,
		},
	}
	if err := eb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", event, err)
	}
	return nil
}
