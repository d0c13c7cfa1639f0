package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"casedesk/internal/domain"
)

// RedisPublisher publishes notifications on a shared channel and on a
// per-user channel "<channel>:<user_id>".
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) (*RedisPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("redis channel required")
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Name() string { return "redis" }

// UserChannel is the channel a single user's notifications are published on.
func (p *RedisPublisher) UserChannel(userID string) string {
	return p.channel + ":" + userID
}

func (p *RedisPublisher) Publish(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.Publish(ctx, p.UserChannel(n.UserID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
