package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisValuePrefix = "cache:v:"
	redisTagPrefix   = "cache:tag:"
)

// RedisCache is the shared tier. Every instance reads and invalidates the
// same keys, so a tag invalidation here is visible platform-wide. Tag sets
// carry their own TTL so abandoned tags do not accumulate.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a cache on an existing Redis client
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func valueKey(key string) string {
	return redisValuePrefix + key
}

func tagKey(tag string) string {
	return redisTagPrefix + tag
}

// Get returns the cached value, or (nil, nil) on a miss
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, valueKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: get failed: %w", err)
	}
	return data, nil
}

// Set stores a value and registers it under each tag set
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, valueKey(key), value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, tagKey(tag), key)
		// Keep the tag set alive at least as long as its newest member.
		pipe.Expire(ctx, tagKey(tag), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis cache: set failed: %w", err)
	}
	return nil
}

// Delete removes a single key. Tag sets keep the stale member until the
// set expires; invalidation tolerates members that no longer exist.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, valueKey(key)).Err(); err != nil {
		return fmt.Errorf("redis cache: delete failed: %w", err)
	}
	return nil
}

// InvalidateTag removes every key registered under the tag
func (c *RedisCache) InvalidateTag(ctx context.Context, tag string) error {
	members, err := c.client.SMembers(ctx, tagKey(tag)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis cache: tag read failed: %w", err)
	}

	pipe := c.client.TxPipeline()
	for _, member := range members {
		pipe.Del(ctx, valueKey(member))
	}
	pipe.Del(ctx, tagKey(tag))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis cache: tag invalidation failed: %w", err)
	}
	return nil
}

// InvalidateAll clears every cache key and tag set
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	for _, pattern := range []string{redisValuePrefix + "*", redisTagPrefix + "*"} {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("redis cache: clear delete failed: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis cache: clear scan failed: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller
func (c *RedisCache) Close() error {
	return nil
}

var _ Cache = (*RedisCache)(nil)
