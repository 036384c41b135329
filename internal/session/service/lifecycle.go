package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"nicknamer/server/internal/audit"
	auditdomain "nicknamer/server/internal/audit/domain"
	"nicknamer/server/internal/db"
	"nicknamer/server/internal/server/interceptors"
	"nicknamer/server/internal/session/domain"
	"nicknamer/server/internal/session/repository"
	"nicknamer/server/internal/telemetry"
)

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger; slog.Default is used otherwise.
func WithManagerLogger(l *slog.Logger) ManagerOption { return func(m *Manager) { m.log = l } }

// WithManagerClock overrides time.Now.
func WithManagerClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.now = now } }

// WithManagerAudit records logout, revoke and sweep events.
func WithManagerAudit(a audit.AuditLogger) ManagerOption { return func(m *Manager) { m.audit = a } }

// WithManagerEvents sends revoke and sweep telemetry events.
func WithManagerEvents(e telemetry.EventEmitter) ManagerOption {
	return func(m *Manager) { m.events = e }
}

// WithManagerMeterProvider overrides the global MeterProvider.
func WithManagerMeterProvider(mp metric.MeterProvider) ManagerOption {
	return func(m *Manager) { m.meter = mp }
}

// WithManagerAccessReset is called with the user id after RevokeAllForUser succeeds. The server passes
// Validator.Forget so cached roles and status are reloaded on the user's next request.
func WithManagerAccessReset(reset func(userID string)) ManagerOption {
	return func(m *Manager) { m.resetAccess = reset }
}

// Manager ends sessions: logout, administrative revocation and the expiry sweep.
// All writes are single-statement conditional updates or deletes, so it is safe to use
// concurrently with Validate and with other Managers.
type Manager struct {
	sessions repository.Repository
	store    db.RetryPolicy

	log    *slog.Logger
	now    func() time.Time
	audit  audit.AuditLogger
	events telemetry.EventEmitter
	meter  metric.MeterProvider
	swept  metric.Int64Counter

	resetAccess func(userID string)
}

// NewManager returns a Manager over sessions.
func NewManager(sessions repository.Repository, store db.RetryPolicy, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: sessions,
		store:    store,
		log:      slog.Default(),
		now:      time.Now,
		audit:    audit.Nop{},
		meter:    otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(slog.String("component", "session_lifecycle"))
	m.swept, _ = m.meter.Meter("nicknamer/server/session").Int64Counter(
		"auth.sessions.swept",
		metric.WithDescription("Expired sessions deleted by the sweeper"),
	)
	return m
}

// Logout revokes the session. Revoking a missing or already revoked session is not an error;
// only a store failure is returned.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	changed, err := m.revoke(ctx, sessionID)
	if err != nil {
		return err
	}
	if changed {
		userID, _ := interceptors.GetUserID(ctx)
		m.audit.LogEvent(ctx, userID, auditdomain.ActionLogout, auditdomain.ResourceSession, "session_id="+sessionID)
		m.log.InfoContext(ctx, "session logged out", slog.String("session_id", sessionID))
	}
	return nil
}

// Revoke revokes the session on behalf of actorID. Like Logout it is idempotent.
func (m *Manager) Revoke(ctx context.Context, actorID, sessionID string) error {
	changed, err := m.revoke(ctx, sessionID)
	if err != nil {
		return err
	}
	if changed {
		m.audit.LogEvent(ctx, actorID, auditdomain.ActionSessionRevoked, auditdomain.ResourceSession, "session_id="+sessionID)
		telemetry.EmitAsync(ctx, m.events, &telemetry.Event{
			Type: telemetry.EventSessionRevoked, Source: "session_lifecycle", UserID: actorID, SessionID: sessionID,
		}, m.log)
		m.log.InfoContext(ctx, "session revoked", slog.String("session_id", sessionID), slog.String("actor_id", actorID))
	}
	return nil
}

func (m *Manager) revoke(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	at := m.now().UTC()
	changed, err := db.Do(ctx, m.store, func(ctx context.Context) (bool, error) {
		return m.sessions.Revoke(ctx, sessionID, at)
	})
	if err != nil {
		m.log.ErrorContext(ctx, "revoke session failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return false, err
	}
	return changed, nil
}

// RevokeAllForUser revokes every live session of userID and returns how many changed.
func (m *Manager) RevokeAllForUser(ctx context.Context, actorID, userID string) (int64, error) {
	at := m.now().UTC()
	n, err := db.Do(ctx, m.store, func(ctx context.Context) (int64, error) {
		return m.sessions.RevokeAllByUser(ctx, userID, at)
	})
	if err != nil {
		m.log.ErrorContext(ctx, "revoke user sessions failed", slog.String("user_id", userID), slog.Any("error", err))
		return 0, err
	}
	if m.resetAccess != nil {
		m.resetAccess(userID)
	}
	if n > 0 {
		m.audit.LogEvent(ctx, actorID, auditdomain.ActionSessionRevoked, auditdomain.ResourceSession,
			fmt.Sprintf("user_id=%s count=%d", userID, n))
		telemetry.EmitAsync(ctx, m.events, &telemetry.Event{
			Type: telemetry.EventSessionRevoked, Source: "session_lifecycle", UserID: userID,
			Attributes: map[string]string{"actor_id": actorID, "count": strconv.FormatInt(n, 10)},
		}, m.log)
	}
	m.log.InfoContext(ctx, "user sessions revoked", slog.String("user_id", userID), slog.Int64("count", n))
	return n, nil
}

// SweepExpired deletes sessions whose expiry has passed and returns how many were removed.
// Validation checks expiry on its own, so a late or failed sweep never lets a session through.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	now := m.now().UTC()
	n, err := db.Do(ctx, m.store, func(ctx context.Context) (int64, error) {
		return m.sessions.DeleteExpired(ctx, now)
	})
	if err != nil {
		m.log.ErrorContext(ctx, "sweep expired sessions failed", slog.Any("error", err))
		return 0, err
	}
	if m.swept != nil {
		m.swept.Add(ctx, n)
	}
	if n > 0 {
		m.audit.LogEvent(ctx, "", auditdomain.ActionSessionsSwept, auditdomain.ResourceSession, "count="+strconv.FormatInt(n, 10))
		telemetry.EmitAsync(ctx, m.events, &telemetry.Event{
			Type: telemetry.EventSessionsSwept, Source: "session_lifecycle",
			Attributes: map[string]string{"count": strconv.FormatInt(n, 10)},
		}, m.log)
	}
	m.log.InfoContext(ctx, "expired sessions swept", slog.Int64("count", n))
	return n, nil
}

// Get returns the session, or ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := db.Do(ctx, m.store, func(ctx context.Context) (*domain.Session, error) {
		return m.sessions.GetByID(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ListActive returns the user's sessions that are neither revoked nor expired.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	now := m.now().UTC()
	return db.Do(ctx, m.store, func(ctx context.Context) ([]*domain.Session, error) {
		return m.sessions.ListActiveByUser(ctx, userID, now)
	})
}

// Run sweeps once immediately and then every interval until ctx is done.
// Sweep failures are logged and the loop keeps going.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		m.log.WarnContext(ctx, "session sweeper disabled", slog.Duration("interval", interval))
		return
	}
	m.log.InfoContext(ctx, "session sweeper started", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		// Errors are already logged by SweepExpired.
		_, _ = m.SweepExpired(ctx)
		select {
		case <-ctx.Done():
			m.log.Info("session sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}
