package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter admits or rejects one request for a tenant.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (bool, error)
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key (e.g. "ratelimit:tenant:t-42")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

-- Retrieve current state
local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

-- Initialize if missing
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

-- Refill
local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

-- Consume
local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

-- Update state (expire in 60s to self-clean)
redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter is a per-tenant token bucket backed by Redis, shared across
// ingress replicas.
type RedisLimiter struct {
	client *redis.Client
	rate   float64
	burst  float64
}

// NewRedisLimiter builds a limiter refilling rate tokens per second up to
// burst capacity.
func NewRedisLimiter(client *redis.Client, rate, burst float64) *RedisLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < rate {
		burst = rate
	}
	return &RedisLimiter{client: client, rate: rate, burst: burst}
}

// Allow executes the Lua script to check and update the token bucket.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	key := "ratelimit:tenant:" + tenantID
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, l.rate, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: invalid script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Deduper records signal event ids and reports replays. Dedupe here is a fast
// path in front of the engine's own history-level dedupe; losing it only costs
// a redundant (and still deduplicated) signal delivery.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// RedisDeduper marks event ids with SETNX under a retention TTL.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// Seen returns true when the key was already recorded.
func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	set, err := d.client.SetNX(ctx, "dedupe:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedupe: %w", err)
	}
	return !set, nil
}
