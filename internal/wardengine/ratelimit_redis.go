package wardengine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSlidingWindowScript records a call and returns the count within the
// window atomically: a sorted set member per call, trimmed to the window on
// every access so the key self-cleans without a separate sweep.
// KEYS[1] = counter key
// ARGV[1] = current unix micros (member + score)
// ARGV[2] = window in milliseconds
var redisSlidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local cutoff = now - (window_ms * 1000)

redis.call("ZADD", key, now, now)
redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
redis.call("EXPIRE", key, math.ceil(window_ms / 1000) + 1)

return redis.call("ZCARD", key)
`)

// redisSlidingWindowCountScript trims and counts without recording a new
// call, for read-only queries from the engine's rate-limit condition.
// KEYS[1] = counter key
// ARGV[1] = current unix micros
// ARGV[2] = window in milliseconds
var redisSlidingWindowCountScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local cutoff = now - (window_ms * 1000)

redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
return redis.call("ZCARD", key)
`)

// RedisLimiter is a distributed sliding-window rate limiter for multi-
// instance Bifrost deployments, implementing the same RateLimitProvider
// shape as InMemoryLimiter but backed by Redis sorted sets instead of
// process memory.
type RedisLimiter struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisLimiter connects to a Redis instance for shared rate-limit state.
func NewRedisLimiter(addr, password string, db int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ctx:    context.Background(),
	}
}

func (l *RedisLimiter) key(session, tool string) string {
	return fmt.Sprintf("bifrost:ratelimit:%s:%s", session, tool)
}

// Record registers a call for (session, tool) and the session-wide wildcard
// key, mirroring InMemoryLimiter.Record.
func (l *RedisLimiter) Record(session, tool string) {
	now := time.Now().UnixMicro()
	_, _ = redisSlidingWindowScript.Run(l.ctx, l.client, []string{l.key(session, tool)}, now, rateLimitWindowMs).Result()
	if tool != "*" {
		_, _ = redisSlidingWindowScript.Run(l.ctx, l.client, []string{l.key(session, "*")}, now, rateLimitWindowMs).Result()
	}
}

// Count reports how many calls landed in the trailing windowMs for
// (session, tool). It trims expired entries but does not record the lookup
// as a call. A Redis error is reported as a count of zero.
func (l *RedisLimiter) Count(session, tool string, windowMs int64) int {
	now := time.Now().UnixMicro()
	res, err := redisSlidingWindowCountScript.Run(l.ctx, l.client, []string{l.key(session, tool)}, now, windowMs).Result()
	if err != nil {
		return 0
	}
	count, _ := res.(int64)
	return int(count)
}

// Provider adapts Count to the RateLimitProvider function shape the engine
// expects.
func (l *RedisLimiter) Provider() RateLimitProvider {
	return l.Count
}
