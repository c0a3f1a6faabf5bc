package http

import (
	"net/http"

	"github.com/llmlb/llmlb/internal/authsvc"
	"github.com/llmlb/llmlb/internal/domain/user"
	"github.com/llmlb/llmlb/internal/middleware"
)

// Login handles POST /api/auth/login (spec §6: "Sets llmlb_jwt and
// llmlb_csrf cookies; also returns token in body.").
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[user.LoginRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	resp, err := h.Auth.Login(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "login failed")
		return
	}

	csrf, err := authsvc.GenerateCSRFToken()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	authsvc.SetAuthCookies(w, resp.AccessToken, csrf, resp.ExpiresIn)
	writeJSON(w, http.StatusOK, resp)
}

// Logout handles POST /api/auth/logout (spec §6: "Clears both cookies.").
// It accepts either the cookie+CSRF path or a bare bearer token — there is
// no server-side session to revoke (JWTs are stateless, spec §4.9), so
// logout only clears client-held credentials.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(authsvc.JWTCookieName); err == nil {
		if !authsvc.VerifyCSRF(r) {
			writeError(w, http.StatusForbidden, "permission_error", "csrf validation failed")
			return
		}
	}
	authsvc.ClearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Me handles GET /api/auth/me (spec §6: "Returns user_id, username, role.").
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	if claims := middleware.ClaimsFromContext(r.Context()); claims != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": claims.UserID,
			"role":    claims.Role,
		})
		return
	}
	if key := middleware.APIKeyFromContext(r.Context()); key != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": key.CreatedBy,
			"role":    apiKeyEffectiveRole(key),
		})
		return
	}
	writeError(w, http.StatusUnauthorized, "authentication_error", "authentication required")
}

func apiKeyEffectiveRole(key *user.APIKey) user.Role {
	if key.HasScope(user.ScopeAdmin) {
		return user.RoleAdmin
	}
	return user.RoleViewer
}
