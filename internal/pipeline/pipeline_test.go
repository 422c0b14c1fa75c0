package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nullbridge/apigw/internal/auth"
	"github.com/nullbridge/apigw/internal/logbuffer"
	"github.com/nullbridge/apigw/internal/netx"
	"github.com/nullbridge/apigw/internal/proxy"
	"github.com/nullbridge/apigw/internal/ratelimit"
	"github.com/nullbridge/apigw/internal/router"
	"github.com/nullbridge/apigw/internal/store"
)

func newTestPipeline(t *testing.T, upstream *httptest.Server, keys []store.ApiKey) (*Pipeline, *store.Store, ratelimit.Limiter) {
	t.Helper()
	s, err := store.New([]store.RouteRule{
		{PathPrefix: "/api", TargetURL: upstream.URL + "/base", StripPrefix: true},
	}, keys)
	if err != nil {
		t.Fatal(err)
	}
	lim := ratelimit.NewMemoryLimiter(time.Minute, 0)
	t.Cleanup(func() { lim.Close() })
	s.AddInvalidator(lim)

	p := &Pipeline{
		Resolver:  router.New(s.ListRoutes()),
		Verifier:  auth.New(s),
		Limiter:   lim,
		Forwarder: proxy.New(http.DefaultTransport, 2*time.Second),
		Logs:      logbuffer.New(10),
		IPs:       netx.IPResolver{},
	}
	return p, s, lim
}

func TestPipeline_HappyPath(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/base/widgets" || r.URL.RawQuery != "x=1" {
			t.Errorf("unexpected upstream request: %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer up.Close()

	p, _, _ := newTestPipeline(t, up, []store.ApiKey{
		{Key: "k1", RateLimit: &store.RateLimitPolicy{IntervalMS: 1000, Limit: 5}},
	})

	r := httptest.NewRequest(http.MethodGet, "/api/widgets?x=1", nil)
	r.Header.Set("Authorization", "Bearer k1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	logs := p.Logs.Snapshot()
	if len(logs) != 1 {
		t.Fatalf("expected exactly one log record, got %d", len(logs))
	}
	lr := logs[0]
	if lr.StatusCode != 200 || lr.APIKey != "k1" || lr.TargetURL != up.URL+"/base" || lr.Message != "ok" {
		t.Fatalf("unexpected log record: %+v", lr)
	}
}

func TestPipeline_NoRoute(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()
	p, _, _ := newTestPipeline(t, up, nil)

	r := httptest.NewRequest(http.MethodGet, "/other", nil)
	r.Header.Set("Authorization", "Bearer k1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	lr := p.Logs.Snapshot()[0]
	if lr.APIKey != "" || lr.TargetURL != "" || lr.Message != "no route" {
		t.Fatalf("unexpected log record: %+v", lr)
	}
}

func TestPipeline_UnknownKey(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()
	p, _, _ := newTestPipeline(t, up, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	r.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	lr := p.Logs.Snapshot()[0]
	if lr.APIKey != "" || lr.Message != "unknown key" {
		t.Fatalf("unexpected log record: %+v", lr)
	}
}

func TestPipeline_RateLimitTripAndReset(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	p, _, _ := newTestPipeline(t, up, []store.ApiKey{
		{Key: "k1", RateLimit: &store.RateLimitPolicy{IntervalMS: 1000, Limit: 2}},
	})

	clock := int64(1_700_000_000_000)
	p.Now = func() time.Time { return time.UnixMilli(clock) }

	doReq := func() int {
		r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		r.Header.Set("Authorization", "Bearer k1")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, r)
		return rec.Code
	}

	if got := doReq(); got != http.StatusOK {
		t.Fatalf("req1: expected 200, got %d", got)
	}
	clock += 100
	if got := doReq(); got != http.StatusOK {
		t.Fatalf("req2: expected 200, got %d", got)
	}
	clock += 100
	rec3Code := doReq()
	if rec3Code != http.StatusTooManyRequests {
		t.Fatalf("req3: expected 429, got %d", rec3Code)
	}

	clock += 1100
	if got := doReq(); got != http.StatusOK {
		t.Fatalf("req4 after window elapsed: expected 200, got %d", got)
	}
}

func TestPipeline_RateLimitRetryAfterHeader(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer up.Close()

	p, _, _ := newTestPipeline(t, up, []store.ApiKey{
		{Key: "k1", RateLimit: &store.RateLimitPolicy{IntervalMS: 1000, Limit: 0}},
	})

	clock := int64(1_700_000_000_000)
	p.Now = func() time.Time { return time.UnixMilli(clock) }

	r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	r.Header.Set("Authorization", "Bearer k1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "rate limited" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestPipeline_PolicyChangeResetsWindow(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer up.Close()

	p, s, _ := newTestPipeline(t, up, []store.ApiKey{
		{Key: "k1", RateLimit: &store.RateLimitPolicy{IntervalMS: 1000, Limit: 2}},
	})

	clock := int64(1_700_000_000_000)
	p.Now = func() time.Time { return time.UnixMilli(clock) }

	doReq := func() int {
		r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		r.Header.Set("Authorization", "Bearer k1")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, r)
		return rec.Code
	}

	doReq()
	clock += 10
	doReq()
	clock += 10
	if got := doReq(); got != http.StatusTooManyRequests {
		t.Fatalf("expected window exhausted, got %d", got)
	}

	if err := s.SetPolicy("k1", &store.RateLimitPolicy{IntervalMS: 1000, Limit: 5}); err != nil {
		t.Fatal(err)
	}

	clock += 10
	if got := doReq(); got != http.StatusOK {
		t.Fatalf("expected fresh window to admit after policy change, got %d", got)
	}
}

func TestPipeline_UpstreamTimeout(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	p, _, _ := newTestPipeline(t, up, []store.ApiKey{{Key: "k1"}})
	p.Forwarder = proxy.New(http.DefaultTransport, 5*time.Millisecond)

	r := httptest.NewRequest(http.MethodGet, "/api/slow", nil)
	r.Header.Set("Authorization", "Bearer k1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	lr := p.Logs.Snapshot()[0]
	if lr.StatusCode != http.StatusBadGateway || lr.Message != "upstream timeout" {
		t.Fatalf("unexpected log record: %+v", lr)
	}
}

func TestPipeline_UnlimitedKeyNeverRateLimited(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer up.Close()

	p, _, _ := newTestPipeline(t, up, []store.ApiKey{{Key: "k1"}}) // no RateLimit: unlimited

	for i := 0; i < 20; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		r.Header.Set("Authorization", "Bearer k1")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, r)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 for unlimited key, got %d", i, rec.Code)
		}
	}
}
