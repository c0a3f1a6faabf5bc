package middleware

import (
	"net/http"

	"github.com/llmlb/llmlb/internal/domain/user"
)

// RequireScope returns middleware that checks API key scopes. JWT requests
// pass through (JWT users are already gated by role via RequireRole or one
// of the Admin* middleware variants).
func RequireScope(scope user.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := APIKeyFromContext(r.Context())
			if key == nil {
				// Not an API key request (JWT or no auth) — pass through.
				next.ServeHTTP(w, r)
				return
			}
			if !key.HasScope(scope) {
				writeJSONError(w, http.StatusForbidden, "permission_error", "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
