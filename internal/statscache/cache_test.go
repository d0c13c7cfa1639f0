package statscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/domain"
)

func newCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, ttl), mr
}

func TestCache_roundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, 30*time.Second)

	_, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := domain.Stats{ReceivedPending: 2, SentPending: 1, TotalActive: 3}
	require.NoError(t, c.Set(ctx, "u1", want))
	got, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	mr.FastForward(31 * time.Second)
	_, ok, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_invalidate(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, time.Minute)
	require.NoError(t, c.Set(ctx, "u1", domain.Stats{TotalActive: 1}))
	require.NoError(t, c.Set(ctx, "u2", domain.Stats{TotalActive: 1}))

	require.NoError(t, c.Invalidate(ctx, "u1", "u2"))
	assert.False(t, mr.Exists(key("u1")))
	assert.False(t, mr.Exists(key("u2")))
	require.NoError(t, c.Invalidate(ctx))
}

func TestCache_disabled(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, 0)
	require.NoError(t, c.Set(ctx, "u1", domain.Stats{TotalActive: 1}))
	_, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	var nilCache *Cache
	_, ok, err = nilCache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_corruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, time.Minute)
	require.NoError(t, mr.Set(key("u1"), "not-json"))
	_, ok, err := c.Get(ctx, "u1")
	assert.Error(t, err)
	assert.False(t, ok)
}
