// Package auth implements the Auth Verifier (C5): extraction and
// validation of the inbound bearer API key against the Config Store.
package auth

import (
	"net/http"
	"strings"

	"github.com/nullbridge/apigw/internal/gwerr"
	"github.com/nullbridge/apigw/internal/store"
)

const bearerPrefix = "bearer "

// Verifier looks up bearer credentials against a Config Store.
type Verifier struct {
	store *store.Store
}

func New(s *store.Store) *Verifier {
	return &Verifier{store: s}
}

// Authenticate extracts the bearer token from the inbound Authorization
// header and resolves it to an ApiKey via the Config Store.
func (v *Verifier) Authenticate(r *http.Request) (store.ApiKey, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return store.ApiKey{}, gwerr.New(gwerr.Unauthorized, "missing credential")
	}
	if len(authz) < len(bearerPrefix) || !strings.EqualFold(authz[:len(bearerPrefix)], bearerPrefix) {
		return store.ApiKey{}, gwerr.New(gwerr.Unauthorized, "malformed credential")
	}
	token := strings.TrimSpace(authz[len(bearerPrefix):])
	if token == "" {
		return store.ApiKey{}, gwerr.New(gwerr.Unauthorized, "malformed credential")
	}

	key, ok := v.store.GetKey(token)
	if !ok {
		return store.ApiKey{}, gwerr.New(gwerr.Unauthorized, "unknown key")
	}
	return key, nil
}
