package middleware

import (
	"net/http"

	"github.com/llmlb/llmlb/internal/domain/user"
)

// RequireRole returns middleware that restricts access to requests whose
// effective role (JWT claim, or admin-scoped API key) is one of roles.
func RequireRole(roles ...user.Role) func(http.Handler) http.Handler {
	allowed := make(map[user.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := RoleFromContext(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "authentication_error", "authorization required")
				return
			}
			if !allowed[role] {
				writeJSONError(w, http.StatusForbidden, "permission_error", "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
