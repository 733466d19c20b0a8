// Package ratelimit counts requests per key in fixed Redis windows.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jia-app/eventbilling/internal/metrics"
)

// Limiter decides whether one more request for key fits the current window
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisClient is the subset of redis commands the limiter needs
type RedisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisLimiter allows limit requests per key per window
type RedisLimiter struct {
	redis  RedisClient
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// Option configures a RedisLimiter
type Option func(*RedisLimiter)

// WithPrefix namespaces the counter keys
func WithPrefix(prefix string) Option {
	return func(l *RedisLimiter) { l.prefix = prefix }
}

// WithClock overrides the clock used to pick the window
func WithClock(now func() time.Time) Option {
	return func(l *RedisLimiter) { l.now = now }
}

// NewRedisLimiter creates a limiter. limit must be positive.
func NewRedisLimiter(client RedisClient, limit int, window time.Duration, opts ...Option) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &RedisLimiter{
		redis:  client,
		limit:  int64(limit),
		window: window,
		prefix: "ratelimit",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow increments the counter for key in the current window
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := l.now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)

	count, err := l.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		metrics.RecordRedisOperation("ratelimit", "error")
		return false, fmt.Errorf("rate limit error: %w", err)
	}
	metrics.RecordRedisOperation("ratelimit", "success")

	// Set expiration on first request
	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, l.window).Err(); err != nil {
			metrics.RecordRedisOperation("ratelimit", "error")
		}
	}

	return count <= l.limit, nil
}
