package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes shared by every gateway replica pointed at the same Redis.
const (
	redisNoncePrefix = "veritas:nonce:"
	redisRatePrefix  = "veritas:rate:"
)

// redisBucketScript refills and consumes a token bucket atomically.
// KEYS[1] = bucket key, ARGV[1] = refill rate (tokens/s), ARGV[2] =
// capacity, ARGV[3] = cost, ARGV[4] = now (unix seconds, fractional).
var redisBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

func newRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// redisNonceStore burns nonces with SETNX+TTL so replicas share the replay
// window. Errors propagate; admission treats them as fail-closed.
type redisNonceStore struct {
	client *redis.Client
}

func newRedisNonceStore(client *redis.Client) *redisNonceStore {
	return &redisNonceStore{client: client}
}

func (s *redisNonceStore) Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	fresh, err := s.client.SetNX(ctx, redisNoncePrefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("api: redis nonce: %w", err)
	}
	return fresh, nil
}

// redisRateLimiter runs the Lua bucket per key. Errors propagate; admission
// treats them as fail-open.
type redisRateLimiter struct {
	client    *redis.Client
	perMinute int
}

func newRedisRateLimiter(client *redis.Client, perMinute int) *redisRateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &redisRateLimiter{client: client, perMinute: perMinute}
}

func (l *redisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	refill := float64(l.perMinute) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisBucketScript.Run(ctx, l.client,
		[]string{redisRatePrefix + key},
		refill, l.perMinute, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("api: redis rate limit: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("api: redis rate limit: unexpected script result %T", res)
	}
	return allowed == 1, nil
}
