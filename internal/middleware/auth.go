package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/llmlb/llmlb/internal/domain/user"
)

// writeJSONError writes an OpenAI-compatible error envelope (spec §6).
func writeJSONError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": errType, "code": status},
	})
}

type claimsCtxKey struct{}
type apiKeyCtxKey struct{}

// DefaultAdminUserID is injected as the authenticated subject when auth is
// disabled (spec §4.9: Auth.Disabled configuration escape hatch for local
// development).
const DefaultAdminUserID = "00000000-0000-0000-0000-000000000000"

// AuthVerifier validates bearer tokens and API keys. Implemented by the
// auth service (C10); declared here so the middleware package does not
// depend on the service layer's concrete type.
type AuthVerifier interface {
	ValidateAccessToken(token string) (*user.Claims, error)
	ValidateAPIKey(ctx context.Context, plainKey string) (*user.APIKey, error)
}

func defaultAdminClaims() *user.Claims {
	return &user.Claims{UserID: DefaultAdminUserID, Role: user.RoleAdmin}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	token := strings.TrimPrefix(h, "Bearer ")
	if token == h {
		return "", false
	}
	return token, true
}

// JWTAuth requires a valid bearer JWT of any role. Grounded on the original
// jwt_auth_middleware: it accepts only Authorization: Bearer <token>, never
// an API key.
func JWTAuth(verifier AuthVerifier, authDisabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authDisabled {
				next.ServeHTTP(w, withClaims(r, defaultAdminClaims()))
				return
			}
			token, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "authentication_error", "authorization required")
				return
			}
			claims, err := verifier.ValidateAccessToken(token)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "authentication_error", "invalid token")
				return
			}
			next.ServeHTTP(w, withClaims(r, claims))
		})
	}
}

// APIKeyAuth requires a valid API key of any scope, via the X-API-Key header
// or an Authorization: Bearer <key> header bearing an sk_-prefixed key.
func APIKeyAuth(verifier AuthVerifier, authDisabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authDisabled {
				next.ServeHTTP(w, withAPIKey(r, &user.APIKey{Scopes: []user.Scope{user.ScopeAdmin}}))
				return
			}
			plain, ok := apiKeyFromRequest(r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "authentication_error", "api key required")
				return
			}
			key, err := verifier.ValidateAPIKey(r.Context(), plain)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "authentication_error", "invalid api key")
				return
			}
			next.ServeHTTP(w, withAPIKey(r, key))
		})
	}
}

// AdminOrAPIKey accepts a JWT with RoleAdmin, or an API key carrying
// ScopeAdmin. Grounded on admin_or_api_key_middleware.
func AdminOrAPIKey(verifier AuthVerifier, authDisabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authDisabled {
				next.ServeHTTP(w, withClaims(r, defaultAdminClaims()))
				return
			}
			if token, ok := bearerToken(r); ok {
				if claims, err := verifier.ValidateAccessToken(token); err == nil && claims.Role == user.RoleAdmin {
					next.ServeHTTP(w, withClaims(r, claims))
					return
				}
			}
			if plain, ok := apiKeyFromRequest(r); ok {
				if key, err := verifier.ValidateAPIKey(r.Context(), plain); err == nil && key.HasScope(user.ScopeAdmin) {
					next.ServeHTTP(w, withAPIKey(r, key))
					return
				}
			}
			writeJSONError(w, http.StatusForbidden, "permission_error", "admin access required")
		})
	}
}

// Authenticated accepts any valid JWT, or an API key carrying ScopeAdmin or
// ScopeAPI. Grounded on authenticated_middleware — the gate used by the
// dashboard's read surface.
func Authenticated(verifier AuthVerifier, authDisabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authDisabled {
				next.ServeHTTP(w, withClaims(r, defaultAdminClaims()))
				return
			}
			if token, ok := bearerToken(r); ok {
				if claims, err := verifier.ValidateAccessToken(token); err == nil {
					next.ServeHTTP(w, withClaims(r, claims))
					return
				}
			}
			if plain, ok := apiKeyFromRequest(r); ok {
				if key, err := verifier.ValidateAPIKey(r.Context(), plain); err == nil &&
					(key.HasScope(user.ScopeAdmin) || key.HasScope(user.ScopeAPI)) {
					next.ServeHTTP(w, withAPIKey(r, key))
					return
				}
			}
			writeJSONError(w, http.StatusUnauthorized, "authentication_error", "authentication required")
		})
	}
}

// AdminOrRuntime accepts a JWT with RoleAdmin, or an API key carrying
// ScopeAdmin or ScopeEndpoint — but rejects an API-only (ScopeAPI-only) key.
// Grounded on admin_or_runtime_middleware: gates endpoint registration and
// runtime-control operations.
func AdminOrRuntime(verifier AuthVerifier, authDisabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authDisabled {
				next.ServeHTTP(w, withClaims(r, defaultAdminClaims()))
				return
			}
			if token, ok := bearerToken(r); ok {
				if claims, err := verifier.ValidateAccessToken(token); err == nil && claims.Role == user.RoleAdmin {
					next.ServeHTTP(w, withClaims(r, claims))
					return
				}
			}
			if plain, ok := apiKeyFromRequest(r); ok {
				if key, err := verifier.ValidateAPIKey(r.Context(), plain); err == nil &&
					(key.HasScope(user.ScopeAdmin) || key.HasScope(user.ScopeEndpoint)) {
					next.ServeHTTP(w, withAPIKey(r, key))
					return
				}
			}
			writeJSONError(w, http.StatusForbidden, "permission_error", "admin or runtime access required")
		})
	}
}

func apiKeyFromRequest(r *http.Request) (string, bool) {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k, true
	}
	if token, ok := bearerToken(r); ok && strings.HasPrefix(token, "sk_") {
		return token, true
	}
	return "", false
}

func withClaims(r *http.Request, claims *user.Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), claimsCtxKey{}, claims))
}

func withAPIKey(r *http.Request, key *user.APIKey) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), apiKeyCtxKey{}, key))
}

// ClaimsFromContext returns the authenticated JWT claims, or nil if the
// request was authenticated via API key.
func ClaimsFromContext(ctx context.Context) *user.Claims {
	c, _ := ctx.Value(claimsCtxKey{}).(*user.Claims)
	return c
}

// APIKeyFromContext returns the API key used for authentication, or nil for
// JWT auth.
func APIKeyFromContext(ctx context.Context) *user.APIKey {
	key, _ := ctx.Value(apiKeyCtxKey{}).(*user.APIKey)
	return key
}

// RoleFromContext returns the effective role for the request: the JWT
// claim's role, or RoleAdmin if authenticated via an admin-scoped API key.
func RoleFromContext(ctx context.Context) (user.Role, bool) {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.Role, true
	}
	if k := APIKeyFromContext(ctx); k != nil && k.HasScope(user.ScopeAdmin) {
		return user.RoleAdmin, true
	}
	return "", false
}

// ClaimsCtxKeyForTest returns the context key used for storing JWT claims.
// Exported only for use in tests that need to inject claims into the context.
func ClaimsCtxKeyForTest() any {
	return claimsCtxKey{}
}
