// Package statscache keeps per-user derivation counters in Redis for a short
// time.
package statscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"casedesk/internal/domain"
)

const keyPrefix = "casedesk:stats:"

type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New returns a cache; a non-positive ttl disables caching.
func New(client redis.UniversalClient, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func key(userID string) string { return keyPrefix + userID }

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// Get reports a miss with ok=false; a Redis error is returned alongside a miss.
func (c *Cache) Get(ctx context.Context, userID string) (domain.Stats, bool, error) {
	if !c.enabled() {
		return domain.Stats{}, false, nil
	}
	raw, err := c.client.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Stats{}, false, nil
	}
	if err != nil {
		return domain.Stats{}, false, err
	}
	var s domain.Stats
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Stats{}, false, fmt.Errorf("decode cached stats: %w", err)
	}
	return s, true, nil
}

func (c *Cache) Set(ctx context.Context, userID string, s domain.Stats) error {
	if !c.enabled() {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(userID), data, c.ttl).Err()
}

func (c *Cache) Invalidate(ctx context.Context, userIDs ...string) error {
	if !c.enabled() || len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, key(id))
	}
	return c.client.Del(ctx, keys...).Err()
}
