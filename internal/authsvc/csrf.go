package authsvc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

// JWTCookieName and CSRFCookieName are the cookie-authenticated dashboard
// path's cookie names (spec §4.9).
const (
	JWTCookieName  = "llmlb_jwt"
	CSRFCookieName = "llmlb_csrf"
	csrfHeaderName = "x-csrf-token"
)

// GenerateCSRFToken returns a fresh random token suitable for the
// llmlb_csrf cookie value.
func GenerateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// VerifyCSRF checks a mutating cookie-authenticated request: the
// x-csrf-token header must match the llmlb_csrf cookie, and Origin must be
// present and match Host (spec §4.9). API-key authentication never calls
// this — it is exempt.
func VerifyCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	return originMatchesHost(origin, r.Host)
}

func originMatchesHost(origin, host string) bool {
	// Origin is scheme://host[:port]; compare only the host[:port] portion.
	for i := 0; i < len(origin); i++ {
		if origin[i] == ':' && i+2 < len(origin) && origin[i+1] == '/' && origin[i+2] == '/' {
			return origin[i+3:] == host
		}
	}
	return false
}

// SetAuthCookies writes the llmlb_jwt and llmlb_csrf cookies for a
// cookie-authenticated dashboard session.
func SetAuthCookies(w http.ResponseWriter, jwtToken, csrfToken string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     JWTCookieName,
		Value:    jwtToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: false,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	})
}

// ClearAuthCookies expires both dashboard cookies (logout).
func ClearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: JWTCookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: CSRFCookieName, Value: "", Path: "/", MaxAge: -1})
}

// RotateCSRFCookie issues a new CSRF cookie value after a successful
// mutating cookie-path request (spec §4.9).
func RotateCSRFCookie(w http.ResponseWriter, maxAge int) error {
	token, err := GenerateCSRFToken()
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	})
	return nil
}
