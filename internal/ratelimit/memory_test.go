package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nullbridge/apigw/internal/store"
)

func TestMemoryLimiter_AdmitsUpToLimitThenRejects(t *testing.T) {
	m := NewMemoryLimiter(time.Minute, 0)
	defer m.Close()

	policy := store.RateLimitPolicy{IntervalMS: 1000, Limit: 2}
	now := int64(1_000_000)

	d1, _ := m.Allow(context.Background(), "k1", policy, now)
	d2, _ := m.Allow(context.Background(), "k1", policy, now+10)
	d3, _ := m.Allow(context.Background(), "k1", policy, now+20)

	if !d1.Allowed || !d2.Allowed {
		t.Fatalf("expected first two requests admitted, got %+v %+v", d1, d2)
	}
	if d3.Allowed {
		t.Fatalf("expected third request rejected, got %+v", d3)
	}
	if d3.RetryAfterMS <= 0 {
		t.Fatalf("expected positive retry-after, got %d", d3.RetryAfterMS)
	}
}

func TestMemoryLimiter_WindowResetsAfterInterval(t *testing.T) {
	m := NewMemoryLimiter(time.Minute, 0)
	defer m.Close()

	policy := store.RateLimitPolicy{IntervalMS: 1000, Limit: 1}
	now := int64(2_000_000)

	d1, _ := m.Allow(context.Background(), "k1", policy, now)
	d2, _ := m.Allow(context.Background(), "k1", policy, now+500)
	d3, _ := m.Allow(context.Background(), "k1", policy, now+1500)

	if !d1.Allowed {
		t.Fatalf("expected first request admitted")
	}
	if d2.Allowed {
		t.Fatalf("expected second request within window rejected")
	}
	if !d3.Allowed {
		t.Fatalf("expected request after window elapsed to be admitted")
	}
}

func TestMemoryLimiter_ZeroLimitRejectsEverything(t *testing.T) {
	m := NewMemoryLimiter(time.Minute, 0)
	defer m.Close()

	policy := store.RateLimitPolicy{IntervalMS: 1000, Limit: 0}
	d, _ := m.Allow(context.Background(), "k1", policy, 1000)
	if d.Allowed {
		t.Fatalf("expected limit=0 to reject every request")
	}
}

func TestMemoryLimiter_InvalidateGivesFreshWindow(t *testing.T) {
	m := NewMemoryLimiter(time.Minute, 0)
	defer m.Close()

	policy := store.RateLimitPolicy{IntervalMS: 1000, Limit: 1}
	now := int64(3_000_000)

	d1, _ := m.Allow(context.Background(), "k1", policy, now)
	d2, _ := m.Allow(context.Background(), "k1", policy, now+1)
	if !d1.Allowed || d2.Allowed {
		t.Fatalf("expected window exhausted before invalidate")
	}

	m.Invalidate("k1")

	d3, _ := m.Allow(context.Background(), "k1", policy, now+2)
	if !d3.Allowed {
		t.Fatalf("expected fresh window admitted after invalidate")
	}
}

func TestMemoryLimiter_ConcurrentAdmissionRespectsBound(t *testing.T) {
	m := NewMemoryLimiter(time.Minute, 0)
	defer m.Close()

	policy := store.RateLimitPolicy{IntervalMS: 10_000, Limit: 50}
	now := int64(4_000_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := m.Allow(context.Background(), "shared", policy, now)
			if d.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Fatalf("expected exactly 50 admissions under concurrent load, got %d", admitted)
	}
}

func TestMemoryLimiter_IndependentKeysDoNotInterfere(t *testing.T) {
	m := NewMemoryLimiter(time.Minute, 0)
	defer m.Close()

	policy := store.RateLimitPolicy{IntervalMS: 1000, Limit: 1}
	now := int64(5_000_000)

	a1, _ := m.Allow(context.Background(), "a", policy, now)
	b1, _ := m.Allow(context.Background(), "b", policy, now)
	if !a1.Allowed || !b1.Allowed {
		t.Fatalf("expected independent keys to each get their own window")
	}
}
