package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"nicknamer/server/internal/audit"
	auditdomain "nicknamer/server/internal/audit/domain"
	"nicknamer/server/internal/db"
	"nicknamer/server/internal/ratelimit"
	"nicknamer/server/internal/security"
	"nicknamer/server/internal/server/interceptors"
	sessiondomain "nicknamer/server/internal/session/domain"
	"nicknamer/server/internal/telemetry"
	userdomain "nicknamer/server/internal/user/domain"
	userrepo "nicknamer/server/internal/user/repository"
)

// Sentinel errors for auth service; transports map them to status codes.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrWeakPassword       = errors.New("password does not meet policy")
	ErrRateLimited        = ratelimit.ErrRateLimited
)

// LoginResult is what a successful login hands to the transport.
type LoginResult struct {
	Token     string
	SessionID string
	UserID    string
	Username  string
	// ExpiresAt is the token's exp; the cookie must not outlive it.
	ExpiresAt time.Time
}

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByUsername(ctx context.Context, username string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
}

// SessionRepo is the minimal session repository needed by the auth service.
type SessionRepo interface {
	Create(ctx context.Context, s *sessiondomain.Session) error
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
}

// TokenEncoder signs token claims. *security.Codec implements it.
type TokenEncoder interface {
	Encode(c security.Claims) (string, error)
}

// LoginLimiter throttles failed logins. *ratelimit.LoginLimiter implements it.
type LoginLimiter interface {
	Check(ctx context.Context, identifier, ip string) error
	RecordFailure(ctx context.Context, identifier, ip string) error
	Reset(ctx context.Context, identifier string) error
}

// Config holds the lifetimes and store policy copied from process config at wiring time.
type Config struct {
	TokenTTL   time.Duration
	SessionTTL time.Duration
	Store      db.RetryPolicy
}

// Option customises an AuthService.
type Option func(*AuthService)

// WithLimiter enables failed-login throttling.
func WithLimiter(l LoginLimiter) Option { return func(s *AuthService) { s.limiter = l } }

// WithAuditLogger records login, logout and registration events.
func WithAuditLogger(a audit.AuditLogger) Option { return func(s *AuthService) { s.audit = a } }

// WithEventEmitter sends login telemetry events.
func WithEventEmitter(e telemetry.EventEmitter) Option { return func(s *AuthService) { s.events = e } }

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option { return func(s *AuthService) { s.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *AuthService) { s.now = now } }

// WithMeterProvider overrides the global MeterProvider for the login counter.
func WithMeterProvider(mp metric.MeterProvider) Option { return func(s *AuthService) { s.meter = mp } }

// AuthService verifies credentials, creates sessions and issues tokens.
type AuthService struct {
	users    UserRepo
	sessions SessionRepo
	hasher   *security.Hasher
	tokens   TokenEncoder
	cfg      Config

	limiter  LoginLimiter
	audit    audit.AuditLogger
	events   telemetry.EventEmitter
	log      *slog.Logger
	now      func() time.Time
	meter    metric.MeterProvider
	attempts metric.Int64Counter
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(users UserRepo, sessions SessionRepo, hasher *security.Hasher, tokens TokenEncoder, cfg Config, opts ...Option) *AuthService {
	s := &AuthService{
		users:    users,
		sessions: sessions,
		hasher:   hasher,
		tokens:   tokens,
		cfg:      cfg,
		audit:    audit.Nop{},
		log:      slog.Default(),
		now:      time.Now,
		meter:    otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.TokenTTL <= 0 || (s.cfg.SessionTTL > 0 && s.cfg.TokenTTL > s.cfg.SessionTTL) {
		s.cfg.TokenTTL = s.cfg.SessionTTL
	}
	s.log = s.log.With(slog.String("component", "auth"))
	s.attempts, _ = s.meter.Meter("nicknamer/server/identity").Int64Counter(
		"auth.login.attempts",
		metric.WithDescription("Login attempts by outcome"),
	)
	return s
}

// Login verifies identifier and secret and, on success, creates exactly one session and returns a
// signed token bound to it. Every credential failure is ErrInvalidCredentials. Unknown and disabled
// accounts still pay for a full hash comparison so the outcome cannot be told apart by timing.
func (s *AuthService) Login(ctx context.Context, identifier, secret string) (*LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	ip := interceptors.ClientIP(ctx)

	if s.limiter != nil {
		if err := s.limiter.Check(ctx, identifier, ip); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				s.countAttempt(ctx, "rate_limited")
				s.log.WarnContext(ctx, "login rate limited", slog.String("client_ip", ip))
				return nil, ErrRateLimited
			}
			s.log.WarnContext(ctx, "login limiter unavailable; allowing attempt", slog.Any("error", err))
		}
	}

	user, err := db.Do(ctx, s.cfg.Store, func(ctx context.Context) (*userdomain.User, error) {
		return s.users.GetByUsername(ctx, identifier)
	})
	if err != nil {
		s.countAttempt(ctx, "store_unavailable")
		s.log.ErrorContext(ctx, "login: user lookup failed", slog.String("reason", "store_unavailable"), slog.Any("error", err))
		return nil, err
	}

	hash := ""
	if user != nil {
		hash = user.PasswordHash
	}
	matched := s.hasher.Verify(hash, []byte(secret))
	if reason := failureReason(user, matched); reason != "" {
		s.loginFailed(ctx, identifier, ip, user, reason)
		return nil, ErrInvalidCredentials
	}

	now := s.now().UTC().Truncate(time.Second)
	sess := &sessiondomain.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
		IPAddress: ip,
		UserAgent: interceptors.UserAgent(ctx),
	}
	if err := db.Exec(ctx, s.cfg.Store, func(ctx context.Context) error {
		return s.sessions.Create(ctx, sess)
	}); err != nil {
		s.countAttempt(ctx, "store_unavailable")
		s.log.ErrorContext(ctx, "login: session create failed", slog.String("reason", "store_unavailable"), slog.Any("error", err))
		return nil, err
	}

	exp := now.Add(s.cfg.TokenTTL)
	if exp.After(sess.ExpiresAt) {
		exp = sess.ExpiresAt
	}
	token, err := s.tokens.Encode(security.Claims{
		Subject:   user.ID,
		SessionID: sess.ID,
		IssuedAt:  now,
		ExpiresAt: exp,
	})
	if err != nil {
		// No token will ever reference this session; close it so it cannot be used.
		if _, rerr := s.sessions.Revoke(context.WithoutCancel(ctx), sess.ID, now); rerr != nil {
			s.log.ErrorContext(ctx, "login: revoke after signing failure", slog.String("session_id", sess.ID), slog.Any("error", rerr))
		}
		s.countAttempt(ctx, "signing_error")
		s.log.ErrorContext(ctx, "login: token signing failed", slog.Any("error", err))
		return nil, fmt.Errorf("issue token: %w", err)
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, identifier); err != nil {
			s.log.WarnContext(ctx, "login limiter reset failed", slog.Any("error", err))
		}
	}
	s.countAttempt(ctx, "success")
	s.audit.LogEvent(ctx, user.ID, auditdomain.ActionLoginSuccess, auditdomain.ResourceAuthentication, "session_id="+sess.ID)
	telemetry.EmitAsync(ctx, s.events, &telemetry.Event{
		Type: telemetry.EventLoginSucceeded, Source: "auth", UserID: user.ID, SessionID: sess.ID,
		Attributes: map[string]string{"client_ip": ip},
	}, s.log)
	s.log.InfoContext(ctx, "login succeeded", slog.String("user_id", user.ID), slog.String("session_id", sess.ID))

	return &LoginResult{Token: token, SessionID: sess.ID, UserID: user.ID, Username: user.Username, ExpiresAt: exp}, nil
}

// failureReason returns "" when the login may proceed, else an internal reason for logs.
func failureReason(user *userdomain.User, matched bool) string {
	switch {
	case user == nil:
		return "unknown_user"
	case !matched:
		return "wrong_secret"
	case !user.Active():
		return "account_disabled"
	default:
		return ""
	}
}

func (s *AuthService) loginFailed(ctx context.Context, identifier, ip string, user *userdomain.User, reason string) {
	if s.limiter != nil {
		if err := s.limiter.RecordFailure(ctx, identifier, ip); err != nil {
			s.log.WarnContext(ctx, "login limiter record failed", slog.Any("error", err))
		}
	}
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.countAttempt(ctx, "invalid_credentials")
	s.audit.LogEvent(ctx, userID, auditdomain.ActionLoginFailure, auditdomain.ResourceAuthentication, "reason="+reason)
	telemetry.EmitAsync(ctx, s.events, &telemetry.Event{
		Type: telemetry.EventLoginFailed, Source: "auth", UserID: userID,
		Attributes: map[string]string{"reason": reason, "client_ip": ip},
	}, s.log)
	s.log.InfoContext(ctx, "login failed", slog.String("reason", reason), slog.String("client_ip", ip))
}

func (s *AuthService) countAttempt(ctx context.Context, outcome string) {
	if s.attempts != nil {
		s.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Register creates an active user with the given username, password and roles.
// Used to seed accounts; there is no public sign-up route.
func (s *AuthService) Register(ctx context.Context, username, password string, roles []userdomain.Role) (*userdomain.User, error) {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	hashed, err := s.hasher.Hash([]byte(password))
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &userdomain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hashed,
		Roles:        roles,
		Status:       userdomain.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	err = db.Exec(ctx, s.cfg.Store, func(ctx context.Context) error {
		err := s.users.Create(ctx, user)
		if errors.Is(err, userrepo.ErrDuplicateUsername) {
			return db.Permanent(ErrUsernameTaken)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, user.ID, auditdomain.ActionRegister, auditdomain.ResourceUser, "username="+username)
	return user, nil
}

func validateUsername(username string) error {
	if username == "" || len(username) > 64 {
		return fmt.Errorf("%w: must be 1 to 64 characters", ErrInvalidUsername)
	}
	for _, r := range username {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-' || r == '@') {
			return fmt.Errorf("%w: %q is not allowed", ErrInvalidUsername, r)
		}
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 12 {
		return fmt.Errorf("%w: at least 12 characters", ErrWeakPassword)
	}
	if len(password) > 72 {
		return fmt.Errorf("%w: at most 72 bytes", ErrWeakPassword)
	}
	var hasUpper, hasLower, hasNumber, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasNumber = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper || !hasLower || !hasNumber || !hasSymbol {
		return fmt.Errorf("%w: needs upper and lower case letters, a number and a symbol", ErrWeakPassword)
	}
	return nil
}
