// Package pipeline implements the Gateway Pipeline (C7): it orchestrates
// route resolution, authentication, rate-check, and forwarding for every
// inbound request, and guarantees exactly one LogRecord per request.
package pipeline

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/nullbridge/apigw/internal/auth"
	"github.com/nullbridge/apigw/internal/gwerr"
	"github.com/nullbridge/apigw/internal/logbuffer"
	"github.com/nullbridge/apigw/internal/netx"
	"github.com/nullbridge/apigw/internal/proxy"
	"github.com/nullbridge/apigw/internal/ratelimit"
	"github.com/nullbridge/apigw/internal/router"
)

// Forwarder is the subset of *proxy.Forwarder the pipeline depends on,
// narrowed to an interface so tests can substitute a fake upstream leg.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, targetURL, clientIP string) (proxy.Result, error)
}

// Pipeline wires C4-C6 together behind a single http.Handler and appends
// exactly one LogRecord to Logs per request, regardless of outcome.
type Pipeline struct {
	Resolver  *router.Resolver
	Verifier  *auth.Verifier
	Limiter   ratelimit.Limiter
	Forwarder Forwarder
	Logs      *logbuffer.Buffer
	IPs       netx.IPResolver

	// Now returns the current wall clock; overridable in tests.
	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := p.now()
	clientIP := p.IPs.ClientIP(r)

	rec := logbuffer.LogRecord{
		TimestampMS: start.UnixMilli(),
		Method:      r.Method,
		Path:        r.URL.Path,
		IP:          clientIP,
	}

	route, ok := p.Resolver.Match(r.URL.Path)
	if !ok {
		rec.StatusCode = http.StatusNotFound
		rec.Message = "no route"
		p.Logs.Append(rec)
		writeError(w, http.StatusNotFound, "no route")
		return
	}
	rec.TargetURL = route.TargetURL

	key, err := p.Verifier.Authenticate(r)
	if err != nil {
		ge := asGatewayError(err)
		rec.StatusCode = ge.Status()
		rec.Message = ge.Message
		p.Logs.Append(rec)
		writeError(w, ge.Status(), ge.Message)
		return
	}
	rec.APIKey = key.Key

	if key.RateLimit != nil {
		nowMS := start.UnixMilli()
		dec, _ := p.Limiter.Allow(r.Context(), key.Key, *key.RateLimit, nowMS)
		if !dec.Allowed {
			retrySec := int(math.Ceil(float64(dec.RetryAfterMS) / 1000))
			if retrySec < 1 {
				retrySec = 1
			}
			rec.StatusCode = http.StatusTooManyRequests
			rec.Message = "rate limited"
			p.Logs.Append(rec)
			w.Header().Set("Retry-After", strconv.Itoa(retrySec))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	upstreamURL, uerr := router.UpstreamURL(route, r.URL.Path, r.URL.RawQuery)
	if uerr != nil {
		ge := gwerr.New(gwerr.UpstreamProtocolError, "upstream protocol error")
		rec.StatusCode = ge.Status()
		rec.Message = ge.Message
		p.Logs.Append(rec)
		writeError(w, ge.Status(), ge.Message)
		return
	}

	result, ferr := p.Forwarder.Forward(w, r, upstreamURL, clientIP)
	if ferr != nil {
		ge := asGatewayError(ferr)
		rec.StatusCode = ge.Status()
		rec.Message = ge.Message
		p.Logs.Append(rec)
		writeError(w, ge.Status(), ge.Message)
		return
	}

	rec.StatusCode = result.StatusCode
	rec.Message = "ok"
	p.Logs.Append(rec)
}

func asGatewayError(err error) *gwerr.Error {
	if ge, ok := err.(*gwerr.Error); ok {
		return ge
	}
	return gwerr.New(gwerr.UpstreamProtocolError, "upstream protocol error")
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
