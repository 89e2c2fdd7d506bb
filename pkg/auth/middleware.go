package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/fleetward/hub/pkg/api"
)

// publicPaths are endpoints that never require authentication.
var publicPaths = []string{
	"/v1/health",
}

// isPublicPath checks if the path should be accessible without auth.
func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// extractToken accepts the two equivalent header forms:
// "Authorization: Bearer <token>" and "X-Hub-Token: <token>".
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-Hub-Token"))
}

// sourceOf returns the rate-limit key for a request.
func sourceOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewMiddleware creates credential-check middleware backed by the
// verifier. Public paths bypass the check entirely; every other request
// fails closed on a missing or invalid token.
func NewMiddleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if verifier == nil {
				api.WriteAuthError(w, "Authentication not configured")
				return
			}

			subject, err := verifier.Verify(extractToken(r))
			if err != nil {
				api.WriteAuthError(w, "")
				return
			}

			ctx := WithCaller(r.Context(), &Caller{Subject: subject, Source: sourceOf(r)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
