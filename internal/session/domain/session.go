package domain

import "time"

// Session is the server-side record that makes a token revocable. It is created once per
// successful login and only ever mutated to set Revoked.
type Session struct {
	ID        string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time // nil when not revoked
	IPAddress string
	UserAgent string
}

// Expired reports whether the session's expires_at has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Identity is the request-scoped result of validating a token: who the caller is, which
// session they hold, and the roles resolved for them at validation time.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
	Roles     []string
	// ExpiresAt is the earlier of the token and session expiry.
	ExpiresAt time.Time
}
