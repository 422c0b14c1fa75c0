// Package admin implements the Admin Surface (C8): log introspection and
// key-policy mutation, plus the guard (C11) and write throttle (C12) that
// harden it.
package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Guard is the Admin Auth Guard (C11). A zero-value Guard has neither
// credential configured, so Wrap serves 404 for every request — the admin
// surface is simply not mounted, mirroring the teacher's "absent key"
// discipline.
type Guard struct {
	StaticKey string
	JWTSecret []byte
}

// Configured reports whether any admin credential is set.
func (g Guard) Configured() bool {
	return g.StaticKey != "" || len(g.JWTSecret) > 0
}

// Wrap guards next behind the configured admin credential(s).
func (g Guard) Wrap(next http.Handler) http.Handler {
	if !g.Configured() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "admin unauthorized")
	})
}

func (g Guard) authenticate(r *http.Request) bool {
	if g.StaticKey != "" {
		got := r.Header.Get("X-Admin-Key")
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(g.StaticKey)) == 1 {
			return true
		}
	}
	if len(g.JWTSecret) > 0 {
		authz := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
			tokStr := strings.TrimSpace(authz[len(prefix):])
			tok, err := jwt.Parse(tokStr, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return g.JWTSecret, nil
			})
			if err == nil && tok.Valid {
				return true
			}
		}
	}
	return false
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + reason + `"}`))
}
