package domain

import (
	"errors"
	"time"
)

// User is an account that can log in. Roles are stored in user_roles.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Roles        []Role
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// Role is a coarse permission grant. Ownership of a scope is decided per request, not by role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Active reports whether the user may log in and keep using sessions.
func (u *User) Active() bool {
	return u != nil && u.Status == UserStatusActive
}

// RoleNames returns the roles as plain strings.
func (u *User) RoleNames() []string {
	if u == nil {
		return nil
	}
	out := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		out = append(out, string(r))
	}
	return out
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Username == "" {
		return errors.New("username is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	for _, r := range u.Roles {
		if !r.Valid() {
			return errors.New("unknown role " + string(r))
		}
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	return nil
}
