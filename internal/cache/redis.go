package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jia-app/eventbilling/internal/metrics"
)

// ErrLockNotHeld is returned when releasing a lock that expired or was taken over
var ErrLockNotHeld = errors.New("lock not held")

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Cache represents a Redis cache implementation
type Cache struct {
	client *redis.Client
}

// NewCache creates a new Redis cache instance
func NewCache(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewCacheWithClient wraps an existing client
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Client exposes the underlying client for components sharing the connection
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Lock is a held distributed lock
type Lock struct {
	cache *Cache
	key   string
	token string
}

// TryLock takes key for ttl if nobody holds it. ok is false when the lock is
// held elsewhere.
func (c *Cache) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		metrics.RecordRedisOperation("lock", "error")
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		metrics.RecordRedisOperation("lock", "contended")
		return nil, false, nil
	}
	metrics.RecordRedisOperation("lock", "acquired")
	return &Lock{cache: c, key: key, token: token}, true, nil
}

// Release gives the lock up. It fails with ErrLockNotHeld if the TTL elapsed
// and another holder took the key.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.cache.client, []string{l.key}, l.token).Int()
	if err != nil {
		metrics.RecordRedisOperation("unlock", "error")
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		metrics.RecordRedisOperation("unlock", "not_held")
		return ErrLockNotHeld
	}
	metrics.RecordRedisOperation("unlock", "released")
	return nil
}

// Acquire is TryLock returning the release function, for callers that only
// need to give the lock back
func (c *Cache) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock, ok, err := c.TryLock(ctx, key, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return lock.Release, true, nil
}
