package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is the JSON document published for downstream push delivery.
type Event struct {
	Type       string                 `json:"type"`
	Recipient  string                 `json:"recipient"`
	ProjectID  string                 `json:"project_id,omitempty"`
	StageID    string                 `json:"stage_id,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Message    string                 `json:"message"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// RedisPublisher pushes events onto Redis pub/sub channels named
// <prefix>.<recipient>. A nil client turns every publish into a no-op.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher constructs a publisher.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "notifications"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel a recipient's events are published on.
func (p *RedisPublisher) Channel(recipient string) string {
	return fmt.Sprintf("%s.%s", p.prefix, recipient)
}

// Publish sends the event to the recipient channel.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.client == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	if err := p.client.Publish(ctx, p.Channel(event.Recipient), payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}
