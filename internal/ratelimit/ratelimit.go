// Package ratelimit implements the gateway's per-key fixed-window Rate
// Limiter (C2). The algorithm is intentionally a fixed-window counter, not
// a token bucket or sliding window: simple and inspectable per the
// design's non-goals.
package ratelimit

import (
	"context"

	"github.com/nullbridge/apigw/internal/store"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed bool
	// RetryAfterMS is set only when Allowed is false: the number of
	// milliseconds until the current window closes, lower-bounded at 1.
	RetryAfterMS int64
}

// Limiter admits or rejects one request against a key's RateLimitPolicy.
// Admission must be atomic per key under concurrent callers.
type Limiter interface {
	// Allow evaluates the fixed-window algorithm for key at wall-clock
	// nowMS against policy. Callers with an unlimited key
	// (ApiKey.RateLimit == nil) must not call Allow at all and admit
	// unconditionally instead.
	Allow(ctx context.Context, key string, policy store.RateLimitPolicy, nowMS int64) (Decision, error)

	// Invalidate drops any cached RateWindow for key, so the next Allow
	// call starts a fresh window. The Config Store calls this from
	// SetPolicy.
	Invalidate(key string)

	// Close releases background resources (cleanup goroutines, network
	// connections).
	Close() error
}
