package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheTier is the Tier A near-cache contract. It is intentionally narrow
// so the durable tier can fall through cleanly when the cache is
// unreachable.
type CacheTier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// RedisCache backs Tier A with Redis, matching the TTL get/put contract.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache builds a Tier A cache from a redis connection URL
// (e.g. "redis://localhost:6379/0").
func NewRedisCache(url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opt)}, nil
}

// NewRedisCacheFromClient wraps an already-constructed client, used by tests
// against an in-process miniredis instance.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// defaultCacheTTL is used when put_state is called without an explicit ttl.
const defaultCacheTTL = 5 * time.Minute
