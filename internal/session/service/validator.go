// Package service validates session tokens and manages the session lifecycle.
package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"nicknamer/server/internal/db"
	"nicknamer/server/internal/security"
	"nicknamer/server/internal/session/domain"
	"nicknamer/server/internal/telemetry"
	userdomain "nicknamer/server/internal/user/domain"
)

// Session failure kinds returned by Validate, in addition to the codec's token errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionExpired  = errors.New("session expired")
)

// Reasons logged and counted for rejected tokens.
const (
	ReasonMalformedToken   = "malformed_token"
	ReasonInvalidSignature = "invalid_signature"
	ReasonTokenExpired     = "token_expired"
	ReasonSessionNotFound  = "session_not_found"
	ReasonSessionRevoked   = "session_revoked"
	ReasonSessionExpired   = "session_expired"
	ReasonStoreUnavailable = "store_unavailable"
)

// TokenDecoder verifies a token and returns its claims. *security.Codec implements it.
type TokenDecoder interface {
	Decode(token string) (*security.Claims, error)
}

// SessionReader loads a session by id, returning (nil, nil) when it does not exist.
type SessionReader interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
}

// UserReader loads a user with roles by id, returning (nil, nil) when it does not exist.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// ValidatorConfig bounds store access and the role cache.
type ValidatorConfig struct {
	Store db.RetryPolicy
	// RoleCacheSize is the number of users whose roles are cached; 0 disables the cache.
	RoleCacheSize int
	// RoleCacheTTL bounds how long a role or status change can go unnoticed.
	RoleCacheTTL time.Duration
}

// ValidatorOption customises a Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger; slog.Default is used otherwise.
func WithValidatorLogger(l *slog.Logger) ValidatorOption { return func(v *Validator) { v.log = l } }

// WithValidatorClock overrides time.Now for the session expiry check.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// WithValidatorEvents sends a telemetry event for each rejected session.
func WithValidatorEvents(e telemetry.EventEmitter) ValidatorOption {
	return func(v *Validator) { v.events = e }
}

// WithValidatorMeterProvider overrides the global MeterProvider.
func WithValidatorMeterProvider(mp metric.MeterProvider) ValidatorOption {
	return func(v *Validator) { v.meter = mp }
}

type userAccess struct {
	username string
	roles    []string
	active   bool
}

// Validator turns a token into an Identity. It holds no per-request state and is safe for concurrent use.
type Validator struct {
	codec    TokenDecoder
	sessions SessionReader
	users    UserReader
	cfg      ValidatorConfig
	cache    *expirable.LRU[string, userAccess]

	log      *slog.Logger
	now      func() time.Time
	events   telemetry.EventEmitter
	meter    metric.MeterProvider
	failures metric.Int64Counter
}

// NewValidator returns a Validator.
func NewValidator(codec TokenDecoder, sessions SessionReader, users UserReader, cfg ValidatorConfig, opts ...ValidatorOption) *Validator {
	v := &Validator{
		codec:    codec,
		sessions: sessions,
		users:    users,
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		meter:    otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if cfg.RoleCacheSize > 0 {
		v.cache = expirable.NewLRU[string, userAccess](cfg.RoleCacheSize, nil, cfg.RoleCacheTTL)
	}
	v.log = v.log.With(slog.String("component", "session_validator"))
	v.failures, _ = v.meter.Meter("nicknamer/server/session").Int64Counter(
		"auth.validation.failures",
		metric.WithDescription("Rejected tokens by reason"),
	)
	return v
}

// Validate decodes token and checks its session. Codec failures are returned unchanged and happen before
// any store access. A session that is missing, bound to another subject, or whose user is gone yields
// ErrSessionNotFound; a revoked session or disabled user yields ErrSessionRevoked; an elapsed session
// yields ErrSessionExpired. Store failures are db.ErrStoreUnavailable, never a not-found.
func (v *Validator) Validate(ctx context.Context, token string) (*domain.Identity, error) {
	claims, err := v.codec.Decode(token)
	if err != nil {
		v.reject(ctx, codecReason(err), nil, err)
		return nil, err
	}

	sess, err := db.Do(ctx, v.cfg.Store, func(ctx context.Context) (*domain.Session, error) {
		return v.sessions.GetByID(ctx, claims.SessionID)
	})
	if err != nil {
		v.reject(ctx, ReasonStoreUnavailable, claims, err)
		return nil, err
	}
	if err := v.checkSession(sess, claims); err != nil {
		v.reject(ctx, sessionReason(err), claims, err)
		return nil, err
	}

	access, err := v.userAccess(ctx, sess.UserID)
	if err != nil {
		v.reject(ctx, ReasonStoreUnavailable, claims, err)
		return nil, err
	}
	switch {
	case access == nil:
		v.reject(ctx, ReasonSessionNotFound, claims, errors.New("user no longer exists"))
		return nil, ErrSessionNotFound
	case !access.active:
		v.reject(ctx, ReasonSessionRevoked, claims, errors.New("user disabled"))
		return nil, ErrSessionRevoked
	}

	exp := claims.ExpiresAt
	if sess.ExpiresAt.Before(exp) {
		exp = sess.ExpiresAt
	}
	return &domain.Identity{
		UserID:    sess.UserID,
		Username:  access.username,
		SessionID: sess.ID,
		Roles:     slices.Clone(access.roles),
		ExpiresAt: exp,
	}, nil
}

func (v *Validator) checkSession(sess *domain.Session, claims *security.Claims) error {
	switch {
	case sess == nil, sess.UserID != claims.Subject:
		return ErrSessionNotFound
	case sess.Revoked:
		return ErrSessionRevoked
	case sess.Expired(v.now()):
		return ErrSessionExpired
	default:
		return nil
	}
}

// userAccess returns the user's roles and status, from cache when fresh. Returns nil for a missing user.
// Missing users are not cached so a re-created account is seen immediately.
func (v *Validator) userAccess(ctx context.Context, userID string) (*userAccess, error) {
	if v.cache != nil {
		if a, ok := v.cache.Get(userID); ok {
			return &a, nil
		}
	}
	u, err := db.Do(ctx, v.cfg.Store, func(ctx context.Context) (*userdomain.User, error) {
		return v.users.GetByID(ctx, userID)
	})
	if err != nil || u == nil {
		return nil, err
	}
	a := userAccess{username: u.Username, roles: u.RoleNames(), active: u.Active()}
	if v.cache != nil {
		v.cache.Add(userID, a)
	}
	return &a, nil
}

// Forget drops cached roles for userID so the next validation reloads them.
func (v *Validator) Forget(userID string) {
	if v.cache != nil {
		v.cache.Remove(userID)
	}
}

func (v *Validator) reject(ctx context.Context, reason string, claims *security.Claims, err error) {
	attrs := []any{slog.String("reason", reason), slog.Any("error", err)}
	var userID, sessionID string
	if claims != nil {
		userID, sessionID = claims.Subject, claims.SessionID
		attrs = append(attrs, slog.String("user_id", userID), slog.String("session_id", sessionID))
	}
	if reason == ReasonStoreUnavailable {
		v.log.WarnContext(ctx, "token validation failed", attrs...)
	} else {
		v.log.InfoContext(ctx, "token rejected", attrs...)
	}
	if v.failures != nil {
		v.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	if claims != nil {
		telemetry.EmitAsync(ctx, v.events, &telemetry.Event{
			Type:       telemetry.EventSessionRejected,
			Source:     "session_validator",
			UserID:     userID,
			SessionID:  sessionID,
			Attributes: map[string]string{"reason": reason},
		}, v.log)
	}
}

func codecReason(err error) string {
	switch {
	case errors.Is(err, security.ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, security.ErrInvalidSignature):
		return ReasonInvalidSignature
	default:
		return ReasonMalformedToken
	}
}

func sessionReason(err error) string {
	switch {
	case errors.Is(err, ErrSessionRevoked):
		return ReasonSessionRevoked
	case errors.Is(err, ErrSessionExpired):
		return ReasonSessionExpired
	default:
		return ReasonSessionNotFound
	}
}

// IsUnauthenticated reports whether err is a token or session rejection, as opposed to a store outage.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, security.ErrMalformedToken) ||
		errors.Is(err, security.ErrInvalidSignature) ||
		errors.Is(err, security.ErrTokenExpired) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrSessionExpired)
}
