package notify

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisherNilClientIsNoop(t *testing.T) {
	p := NewRedisPublisher(nil, "")
	require.NoError(t, p.Publish(context.Background(), Event{Type: "stage_settled", Recipient: "a@example.com"}))
	assert.Equal(t, "notifications.a@example.com", p.Channel("a@example.com"))
}

func TestRedisPublisherSurfacesTransportErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	p := NewRedisPublisher(client, "push")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := p.Publish(ctx, Event{Type: "transaction_received", Recipient: "b@example.com", Message: "points"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish transaction_received event")
}
