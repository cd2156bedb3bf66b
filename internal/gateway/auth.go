package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware checks the bearer token on every request except /healthz.
// An empty token disables the check; the daemon binds to loopback by default.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware creates an auth middleware for token.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Wrap wraps an http.Handler with token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		candidate := ExtractToken(r)
		if candidate == "" {
			http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
			return
		}
		// Constant-time comparison to avoid timing leaks.
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(am.token)) != 1 {
			http.Error(w, `{"error":"invalid token"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads the token from, in order: Authorization: Bearer <token>,
// the X-Starry-Token header, and the token query param. Browsers cannot set
// headers on a websocket upgrade, hence the query param.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if tok := r.Header.Get("X-Starry-Token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}
