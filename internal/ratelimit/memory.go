package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nullbridge/apigw/internal/store"
)

// shardCount controls lock striping: unrelated keys hash to different
// shards and never contend on the same mutex. Admission within a shard is
// still atomic per key.
const shardCount = 64

// window is a RateWindow cell: the accounting state for one key.
type window struct {
	windowStartMS int64
	count         int64
	lastSeen      time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryLimiter is the default, in-process fixed-window Rate Limiter. It
// is the backend every testable property in the spec is verified
// against; a lock-striped map avoids serializing unrelated keys behind a
// single mutex.
type MemoryLimiter struct {
	shards [shardCount]*shard

	idle   time.Duration
	stopCh chan struct{}
}

// NewMemoryLimiter builds a limiter whose per-key windows are garbage
// collected once idle longer than idleTTL, swept every cleanupEvery.
func NewMemoryLimiter(idleTTL, cleanupEvery time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{idle: idleTTL, stopCh: make(chan struct{})}
	for i := range m.shards {
		m.shards[i] = &shard{windows: make(map[string]*window)}
	}
	if cleanupEvery > 0 {
		go m.gcLoop(cleanupEvery)
	}
	return m
}

func (m *MemoryLimiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryLimiter) gcLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			for _, sh := range m.shards {
				sh.mu.Lock()
				for k, w := range sh.windows {
					if now.Sub(w.lastSeen) > m.idle {
						delete(sh.windows, k)
					}
				}
				sh.mu.Unlock()
			}
		case <-m.stopCh:
			return
		}
	}
}

// Allow implements the fixed-window algorithm of section 4.2: lazily
// create the window, reset it when the current window has elapsed,
// admit while count < limit.
func (m *MemoryLimiter) Allow(_ context.Context, key string, policy store.RateLimitPolicy, nowMS int64) (Decision, error) {
	sh := m.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.windows[key]
	if w == nil {
		w = &window{windowStartMS: nowMS, count: 0}
		sh.windows[key] = w
	}
	w.lastSeen = time.Now()

	if nowMS >= w.windowStartMS+policy.IntervalMS {
		w.windowStartMS = nowMS
		w.count = 0
	}

	if w.count < policy.Limit {
		w.count++
		return Decision{Allowed: true}, nil
	}

	retryAfter := w.windowStartMS + policy.IntervalMS - nowMS
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Allowed: false, RetryAfterMS: retryAfter}, nil
}

// Invalidate drops the cached window for key; the next Allow call
// recreates it fresh under whatever policy is passed then.
func (m *MemoryLimiter) Invalidate(key string) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	delete(sh.windows, key)
	sh.mu.Unlock()
}

func (m *MemoryLimiter) Close() error {
	close(m.stopCh)
	return nil
}
