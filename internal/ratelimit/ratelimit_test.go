package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limit int, now *time.Time) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, limit, time.Minute, WithClock(func() time.Time { return *now })), mr
}

func TestRedisLimiterAllow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter, mr := newLimiter(t, 2, &now)

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, ok, "keys are counted separately")

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))
}

func TestRedisLimiterNextWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter, _ := newLimiter(t, 1, &now)

	ok, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, err = limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiterError(t *testing.T) {
	now := time.Now()
	limiter, mr := newLimiter(t, 1, &now)
	mr.Close()

	_, err := limiter.Allow(context.Background(), "user-1")
	require.Error(t, err)
}
