package domain

import "time"

// AuditLog represents an audit event. UserID is empty for events with no known actor.
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}

// Actions recorded by the auth and session code paths.
const (
	ActionLoginSuccess   = "login_success"
	ActionLoginFailure   = "login_failure"
	ActionLogout         = "logout"
	ActionRegister       = "register"
	ActionSessionRevoked = "session_revoked"
	ActionSessionsSwept  = "sessions_swept"
)

// Resources named in audit entries.
const (
	ResourceAuthentication = "authentication"
	ResourceSession        = "session"
	ResourceUser           = "user"
)
