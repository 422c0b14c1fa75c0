// Package router implements the Route Resolver (C4): longest-prefix
// matching of an inbound path to a RouteRule, plus the upstream path
// rewrite that the Gateway Pipeline applies before forwarding.
package router

import (
	"net/url"
	"sort"
	"strings"

	"github.com/nullbridge/apigw/internal/store"
)

// Resolver holds the route table sorted by path_prefix length
// descending, so the first match found is always the longest. It is
// immutable after construction: read-mostly and lock-free in the hot
// path, per the design notes.
type Resolver struct {
	routes []store.RouteRule
}

// New builds a Resolver over routes. The Config Store already guarantees
// path_prefix uniqueness; New sorts defensively so it does not depend on
// caller ordering.
func New(routes []store.RouteRule) *Resolver {
	rs := make([]store.RouteRule, len(routes))
	copy(rs, routes)
	sort.SliceStable(rs, func(i, j int) bool {
		return len(rs[i].PathPrefix) > len(rs[j].PathPrefix)
	})
	return &Resolver{routes: rs}
}

// Match returns the RouteRule whose path_prefix is the longest prefix of
// path, matching only on '/'- or '?'-aligned boundaries so that "/api"
// does not match "/apizz".
func (res *Resolver) Match(path string) (store.RouteRule, bool) {
	for _, rt := range res.routes {
		if boundaryMatch(path, rt.PathPrefix) {
			return rt, true
		}
	}
	return store.RouteRule{}, false
}

func boundaryMatch(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest[0] == '/' || rest[0] == '?'
}

// UpstreamURL builds the outbound URL for a matched route: the suffix has
// the prefix stripped when StripPrefix is set, it is joined onto the
// target's own path with exactly one separating slash, the original
// query string is preserved verbatim, and any fragment is dropped.
func UpstreamURL(rt store.RouteRule, path, rawQuery string) (string, error) {
	target, err := url.Parse(rt.TargetURL)
	if err != nil {
		return "", err
	}

	suffix := path
	if rt.StripPrefix {
		suffix = strings.TrimPrefix(path, rt.PathPrefix)
	}

	out := *target
	out.Path = joinPath(target.Path, suffix)
	out.RawQuery = rawQuery
	out.Fragment = ""
	return out.String(), nil
}

// joinPath joins a and b so that exactly one '/' separates them,
// collapsing any duplicates.
func joinPath(a, b string) string {
	a = strings.TrimRight(a, "/")
	if b == "" {
		if a == "" {
			return "/"
		}
		return a
	}
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return a + b
}
