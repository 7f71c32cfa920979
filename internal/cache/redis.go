// Package cache provides the Redis-backed leaderboard cache and distributed lock.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aimd54/loyalty-ledger/internal/config"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// ErrLockNotHeld is returned when releasing a lock that expired or was taken over.
var ErrLockNotHeld = errors.New("lock not held")

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Cache wraps a Redis client.
type Cache struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

// NewCache connects to Redis and verifies the connection.
func NewCache(cfg *config.RedisConfig, log *logger.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("Connected to Redis")

	return NewCacheWithClient(client, log), nil
}

// NewCacheWithClient wraps an existing client.
func NewCacheWithClient(client *redis.Client, log *logger.Logger) *Cache {
	return &Cache{client: client, prefix: "loyalty:", log: log.Component("cache")}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// Get returns the value stored at key, or "" when the key does not exist.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value with an expiration.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Del deletes keys.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Acquire takes the lock at key for at most ttl. When another holder owns
// it, acquired is false and release is nil.
func (c *Cache) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error) {
	token := uuid.NewString()
	lockKey := c.key("lock:" + key)

	ok, err := c.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		n, err := unlockScript.Run(ctx, c.client, []string{lockKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		if n == 0 {
			return ErrLockNotHeld
		}
		return nil
	}

	c.log.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lock acquired")
	return release, true, nil
}

// Health pings Redis.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
