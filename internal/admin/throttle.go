package admin

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// WriteThrottle is the Admin Write Throttle (C12): a per-admin-credential
// token bucket guarding mutating admin endpoints, independent of the
// per-API-key fixed-window Rate Limiter that governs proxy traffic.
type WriteThrottle struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewWriteThrottle(rps float64, burst int) *WriteThrottle {
	return &WriteThrottle{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *WriteThrottle) limiterFor(identity string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[identity]
	if !ok {
		l = rate.NewLimiter(t.rps, t.burst)
		t.limiters[identity] = l
	}
	return l
}

// Wrap throttles next, keyed by the caller's admin credential (static key
// or raw bearer token — whichever is present identifies the caller).
func (t *WriteThrottle) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get("X-Admin-Key")
		if identity == "" {
			identity = r.Header.Get("Authorization")
		}
		if !t.limiterFor(identity).Allow() {
			writeJSONError(w, http.StatusTooManyRequests, "admin rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}
