package http

import (
	"net/http"

	"github.com/llmlb/llmlb/internal/authsvc"
)

// cookieBearer bridges the cookie-authenticated dashboard path (spec §4.9)
// onto middleware.JWTAuth/Authenticated, which only read the Authorization
// header: when no Authorization header is present but an llmlb_jwt cookie
// is, it is copied onto the request as a Bearer token before the auth
// middleware runs. Requests already carrying an Authorization header (api
// key or explicit bearer) are left untouched.
func cookieBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if cookie, err := r.Cookie(authsvc.JWTCookieName); err == nil && cookie.Value != "" {
				r.Header.Set("Authorization", "Bearer "+cookie.Value)
			}
		}
		next.ServeHTTP(w, r)
	})
}
