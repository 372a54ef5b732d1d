// Package authn guards the admin surface with a single operator-configured
// bearer token, compared in constant time.
package authn

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware enforces the admin token on every request it wraps.
type Middleware struct {
	adminToken string
}

// New builds a Middleware for adminToken.
func New(adminToken string) *Middleware {
	return &Middleware{adminToken: adminToken}
}

// Require wraps next, rejecting requests that do not present the admin
// token via Authorization: Bearer or X-Api-Key.
func (m *Middleware) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || !constantTimeEqual(token, m.adminToken) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func extractToken(r *http.Request) string {
	if v := r.Header.Get("X-Api-Key"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
