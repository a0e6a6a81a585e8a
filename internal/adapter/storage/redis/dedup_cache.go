package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DedupCache implements ports.DedupCache using Redis. It short-circuits
// duplicate deliveries before they reach PostgreSQL; the durable uniqueness
// constraint remains the correctness guarantee.
type DedupCache struct {
	client *goredis.Client
	prefix string
}

// NewDedupCache creates a Redis-backed dedup cache.
func NewDedupCache(client *goredis.Client) *DedupCache {
	return &DedupCache{
		client: client,
		prefix: "webhook:seen:",
	}
}

// Get retrieves the cached acknowledgment for a dedup key.
// Returns nil, nil if the key does not exist.
func (c *DedupCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis dedup get: %w", err)
	}
	return val, nil
}

// Set stores the acknowledgment for a dedup key with TTL.
func (c *DedupCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis dedup set: %w", err)
	}
	return nil
}
