package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis so
// replicas share one budget per actor.
// KEYS[1] = bucket key, ARGV[1] = refill rate (tokens/s),
// ARGV[2] = capacity, ARGV[3] = cost, ARGV[4] = current unix seconds.
var redisTokenBucketScript = redis.NewScript(`
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
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter shares per-actor token buckets across replicas.
type RedisLimiter struct {
	client *redis.Client
	rate   float64
	burst  int
}

// NewRedisLimiter creates a limiter allowing rpm requests per minute per
// actor with the given burst, backed by the Redis instance at addr.
func NewRedisLimiter(addr string, rpm, burst int) *RedisLimiter {
	ratePerSec := float64(rpm) / 60.0
	if ratePerSec <= 0 {
		ratePerSec = 1.0
	}
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		rate:   ratePerSec,
		burst:  burst,
	}
}

// Allow consumes one token from the actor's shared bucket.
func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	key := "limiter:" + actorID
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key},
		l.rate, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	return allowed == 1, nil
}
