package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuth requires a shared bearer token on every request except the
// health check.
type TokenAuth struct {
	token []byte
}

// NewTokenAuth returns a middleware for token. An empty token disables it.
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: []byte(strings.TrimSpace(token))}
}

// Wrap wraps an http.Handler with token checking.
func (a *TokenAuth) Wrap(next http.Handler) http.Handler {
	if len(a.token) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), a.token) != 1 {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts a token from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key
// query param. Browsers cannot set headers on a websocket handshake, hence the
// query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
