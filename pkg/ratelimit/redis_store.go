package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements the sliding window atomically in Redis
// with a sorted set of call timestamps (microseconds as score and member).
// KEYS[1] = window key (e.g. "ratelimit:append")
// ARGV[1] = current timestamp (microseconds)
// ARGV[2] = window duration (microseconds)
// ARGV[3] = max calls
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max_calls = tonumber(ARGV[3])

-- Evict entries older than the window
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

local count = redis.call("ZCARD", key)
if count >= max_calls then
    return 0
end

redis.call("ZADD", key, now, now)
-- Self-clean once idle for a full window
redis.call("PEXPIRE", key, math.ceil(window / 1000))
return 1
`)

// RedisStore shares sliding windows across kernel instances through Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by the given Redis address.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client, allowing injection
// for testing and shared connection pools.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Allow implements Store by executing the sliding-window script.
func (s *RedisStore) Allow(ctx context.Context, operation string, limit Limit, now time.Time) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s", operation)

	res, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		now.UnixMicro(), limit.Window.Microseconds(), limit.MaxCalls,
	).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
