package ratelimit

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/nullbridge/apigw/internal/store"
)

// fixedWindowLua performs the same read-reset-increment sequence as
// MemoryLimiter.Allow, atomically server-side, so that a fleet of gateway
// replicas can share one set of windows. It is the Redis-backed sibling
// of the in-memory limiter, not a different algorithm.
const fixedWindowLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local interval_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "window_start", "count")
local window_start = tonumber(data[1])
local count = tonumber(data[2])

if window_start == nil or now_ms >= window_start + interval_ms then
  window_start = now_ms
  count = 0
end

local allowed = 0
local retry_ms = 0

if count < limit then
  allowed = 1
  count = count + 1
else
  retry_ms = (window_start + interval_ms) - now_ms
  if retry_ms < 1 then
    retry_ms = 1
  end
end

redis.call("HMSET", key, "window_start", window_start, "count", count)
redis.call("PEXPIRE", key, interval_ms * 2)
return {allowed, retry_ms}
`

// RedisLimiter is the optional distributed Rate Limiter backend (see
// SPEC_FULL.md 4.10). It implements the identical fixed-window contract
// as MemoryLimiter so callers can swap backends without observing a
// semantic difference.
type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, policy store.RateLimitPolicy, nowMS int64) (Decision, error) {
	res, err := r.rdb.Eval(ctx, fixedWindowLua, []string{"ratelimit:" + key}, nowMS, policy.IntervalMS, policy.Limit).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return Decision{}, errors.New("ratelimit: malformed redis eval reply")
	}
	allowed := toInt(arr[0]) == 1
	retryMS := toInt(arr[1])

	dec := Decision{Allowed: allowed}
	if !allowed {
		dec.RetryAfterMS = retryMS
	}
	return dec, nil
}

func (r *RedisLimiter) Invalidate(key string) {
	r.rdb.Del(context.Background(), "ratelimit:"+key)
}

func (r *RedisLimiter) Close() error { return r.rdb.Close() }

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
