package redis

import (
	"context"
	"fmt"
	"time"

	"webhook-ingestion-service/internal/core/ports"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RateLimitStore implements ports.RateLimiter as a sliding window over a
// Redis sorted set of timestamped markers. The whole check-and-add runs as
// one Lua script, so concurrent callers across process instances can never
// observe a partial execution.
type RateLimitStore struct {
	client *goredis.Client
	script *goredis.Script
}

// Sliding window, all times in milliseconds:
//  1. drop markers older than the window
//  2. count what remains
//  3. at the limit: deny without adding a marker
//  4. otherwise add a marker at now and refresh the key TTL to 2x the
//     window so idle keys clean themselves up
// Returns {allowed, count, reset_ms} where reset_ms is when the oldest
// marker leaves the window.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if oldest[2] then
        reset = tonumber(oldest[2]) + window
    end
    return {0, count, reset}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window * 2)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = tonumber(oldest[2]) + window
return {1, count + 1, reset}
`)

// NewRateLimitStore creates a Redis-backed sliding-window rate limiter.
func NewRateLimitStore(client *goredis.Client) *RateLimitStore {
	return &RateLimitStore{
		client: client,
		script: slidingWindowScript,
	}
}

// Allow checks whether one more request fits inside the window for key.
// limit <= 0 means the operation is not rate limited.
func (s *RateLimitStore) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*ports.RateLimitResult, error) {
	if limit <= 0 {
		return &ports.RateLimitResult{Allowed: true, Limit: limit}, nil
	}

	now := time.Now()
	res, err := s.script.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("redis rate limit script: unexpected reply %v", res)
	}

	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	resetMs, _ := values[2].(int64)

	return &ports.RateLimitResult{
		Allowed: allowed == 1,
		Current: count,
		Limit:   limit,
		ResetAt: (resetMs + 999) / 1000, // ceil to seconds for Retry-After
	}, nil
}
