// Package proxy implements the Proxy Forwarder (C6): it builds the
// outbound request from an inbound one, executes it against the resolved
// upstream, and streams the response back without buffering either body.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nullbridge/apigw/internal/gwerr"
)

// hopByHop lists headers that apply only to a single transport hop and
// must never be forwarded by an intermediary.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the fixed hop-by-hop set plus any header named in
// the Connection token list, from h.
func stripHopByHop(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, tok := range strings.Split(conn, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				h.Del(tok)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// Result carries the status relayed to the client on a successful
// forward.
type Result struct {
	StatusCode int
}

// Forwarder executes the upstream leg of a proxied request.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
}

// New builds a Forwarder. timeout bounds the total upstream interaction:
// connect, response headers, and body.
func New(transport http.RoundTripper, timeout time.Duration) *Forwarder {
	return &Forwarder{client: &http.Client{Transport: transport}, timeout: timeout}
}

// Forward builds the outbound request for r against targetURL, executes
// it, and streams the upstream response to w. On success it returns the
// upstream's status code; on any upstream failure it returns a
// *gwerr.Error classified as UpstreamTimeout, UpstreamUnreachable, or
// UpstreamProtocolError, and writes nothing to w — the caller is free to
// write its own 502 response.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, targetURL, clientIP string) (Result, error) {
	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	bodyless := r.Method == http.MethodGet || r.Method == http.MethodHead
	var body io.ReadCloser
	if !bodyless {
		body = r.Body
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, body)
	if err != nil {
		return Result{}, gwerr.New(gwerr.UpstreamProtocolError, "upstream protocol error")
	}

	outReq.Header = r.Header.Clone()
	outReq.Header.Del("Authorization")
	stripHopByHop(outReq.Header)
	appendForwardedFor(outReq.Header, clientIP)

	if u, perr := url.Parse(targetURL); perr == nil {
		outReq.Host = u.Host
	}

	if bodyless {
		outReq.ContentLength = 0
	} else {
		outReq.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(outReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, gwerr.New(gwerr.UpstreamTimeout, "upstream timeout")
		}
		return Result{}, gwerr.New(gwerr.UpstreamUnreachable, "upstream unreachable")
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	return Result{StatusCode: resp.StatusCode}, nil
}

func appendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if existing := h.Get("X-Forwarded-For"); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}
