package httpserver

import (
	"net/http"
	"time"
)

// CookieConfig describes the session cookie. It is copied from process config at startup.
type CookieConfig struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

func (c CookieConfig) withDefaults() CookieConfig {
	if c.Name == "" {
		c.Name = "auth_token"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.SameSite != http.SameSiteStrictMode {
		c.SameSite = http.SameSiteLaxMode
	}
	return c
}

// setSessionCookie stores token in an HttpOnly cookie whose lifetime never exceeds the token's expiry.
// Returns false without setting anything when the token has already expired.
func setSessionCookie(w http.ResponseWriter, c CookieConfig, token string, expiresAt, now time.Time) bool {
	maxAge := int(expiresAt.Sub(now) / time.Second)
	if maxAge <= 0 {
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  now.Add(time.Duration(maxAge) * time.Second).UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
	return true
}

// clearSessionCookie tells the browser to drop the session cookie.
func clearSessionCookie(w http.ResponseWriter, c CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}
