package service

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	auditdomain "nicknamer/server/internal/audit/domain"
	"nicknamer/server/internal/db"
	"nicknamer/server/internal/server/interceptors"
	"nicknamer/server/internal/session/domain"
	userdomain "nicknamer/server/internal/user/domain"
)

func TestLogout_Idempotent(t *testing.T) {
	aud := &memAudit{}
	f := newFixture(t, ValidatorConfig{})
	f.m = NewManager(f.sessions, fastStore(), WithManagerClock(f.clock.Now), WithManagerAudit(aud))
	f.users.put(activeUser("alice"))
	token := f.issue(t, "s1", "alice", time.Hour, time.Hour)
	ctx := interceptors.WithIdentity(context.Background(), &domain.Identity{UserID: "alice", SessionID: "s1"})

	for i := 0; i < 2; i++ {
		if err := f.m.Logout(ctx, "s1"); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	if err := f.m.Logout(ctx, "no-such-session"); err != nil {
		t.Errorf("Logout of unknown session: %v", err)
	}
	if err := f.m.Logout(ctx, ""); err != nil {
		t.Errorf("Logout of empty id: %v", err)
	}

	s := f.sessions.m["s1"]
	if !s.Revoked || s.RevokedAt == nil || !s.RevokedAt.Equal(epoch) {
		t.Errorf("session after logout = %+v", s)
	}
	if got := aud.actions(); len(got) != 1 || got[0] != auditdomain.ActionLogout {
		t.Errorf("audit actions = %v, want a single logout", got)
	}
	if aud.records[0].userID != "alice" {
		t.Errorf("audit user = %q, want alice", aud.records[0].userID)
	}
	if _, err := f.v.Validate(context.Background(), token); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("token after logout: want ErrSessionRevoked, got %v", err)
	}
}

func TestLogout_StoreUnavailable(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	f.issue(t, "s1", "alice", time.Hour, time.Hour)
	f.sessions.setErr(errors.New("timeout"))
	if err := f.m.Logout(context.Background(), "s1"); !errors.Is(err, db.ErrStoreUnavailable) {
		t.Errorf("want ErrStoreUnavailable, got %v", err)
	}
}

func TestRevoke_AuditsActor(t *testing.T) {
	aud := &memAudit{}
	f := newFixture(t, ValidatorConfig{})
	f.m = NewManager(f.sessions, fastStore(), WithManagerClock(f.clock.Now), WithManagerAudit(aud))
	f.issue(t, "s1", "bob", time.Hour, time.Hour)

	if err := f.m.Revoke(context.Background(), "admin-1", "s1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := f.m.Revoke(context.Background(), "admin-1", "s1"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if len(aud.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(aud.records))
	}
	if r := aud.records[0]; r.userID != "admin-1" || r.action != auditdomain.ActionSessionRevoked || r.metadata != "session_id=s1" {
		t.Errorf("audit record = %+v", r)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	f.users.put(activeUser("alice"))
	f.users.put(activeUser("bob"))
	t1 := f.issue(t, "a1", "alice", time.Hour, time.Hour)
	t2 := f.issue(t, "a2", "alice", time.Hour, time.Hour)
	tb := f.issue(t, "b1", "bob", time.Hour, time.Hour)
	ctx := context.Background()

	n, err := f.m.RevokeAllForUser(ctx, "admin-1", "alice")
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}
	for _, tok := range []string{t1, t2} {
		if _, err := f.v.Validate(ctx, tok); !errors.Is(err, ErrSessionRevoked) {
			t.Errorf("alice token: want ErrSessionRevoked, got %v", err)
		}
	}
	if _, err := f.v.Validate(ctx, tb); err != nil {
		t.Errorf("bob's session must survive: %v", err)
	}
	if n, _ := f.m.RevokeAllForUser(ctx, "admin-1", "alice"); n != 0 {
		t.Errorf("second RevokeAllForUser = %d, want 0", n)
	}
}

func TestRevokeAllForUser_ResetsCachedAccess(t *testing.T) {
	f := newFixture(t, ValidatorConfig{RoleCacheSize: 16, RoleCacheTTL: time.Hour})
	f.m = NewManager(f.sessions, fastStore(), WithManagerClock(f.clock.Now), WithManagerAccessReset(f.v.Forget))
	f.users.put(activeUser("alice", userdomain.RoleMember))
	ctx := context.Background()

	if _, err := f.v.Validate(ctx, f.issue(t, "a1", "alice", time.Hour, time.Hour)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	f.users.put(activeUser("alice", userdomain.RoleAdmin))
	if _, err := f.m.RevokeAllForUser(ctx, "admin-1", "alice"); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}

	id, err := f.v.Validate(ctx, f.issue(t, "a2", "alice", time.Hour, time.Hour))
	if err != nil {
		t.Fatalf("Validate new session: %v", err)
	}
	if !slices.Contains(id.Roles, "admin") {
		t.Errorf("roles = %v, want reloaded admin after revoke-all", id.Roles)
	}
	if got := f.users.lookupCount(); got != 2 {
		t.Errorf("user lookups = %d, want 2", got)
	}
}

func TestSweepExpired(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	f := newFixture(t, ValidatorConfig{})
	f.m = NewManager(f.sessions, fastStore(), WithManagerClock(f.clock.Now), WithManagerMeterProvider(mp))
	f.issue(t, "short", "alice", time.Minute, time.Minute)
	f.issue(t, "exact", "alice", 2*time.Minute, time.Minute)
	f.issue(t, "long", "alice", time.Hour, time.Hour)
	ctx := context.Background()

	if n, err := f.m.SweepExpired(ctx); err != nil || n != 0 {
		t.Fatalf("SweepExpired before expiry = %d, %v; want 0", n, err)
	}
	f.clock.Advance(2 * time.Minute)
	n, err := f.m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("swept = %d, want 2 (expiry at now counts as elapsed)", n)
	}
	if _, err := f.m.Get(ctx, "long"); err != nil {
		t.Errorf("live session removed: %v", err)
	}
	if _, err := f.m.Get(ctx, "short"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("swept session: want ErrSessionNotFound, got %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "auth.sessions.swept" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("auth.sessions.swept = %d, want 2", total)
	}
}

func TestSweepExpired_StoreUnavailable(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	f.sessions.setErr(errors.New("down"))
	if _, err := f.m.SweepExpired(context.Background()); !errors.Is(err, db.ErrStoreUnavailable) {
		t.Errorf("want ErrStoreUnavailable, got %v", err)
	}
}

func TestListActive(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	f.issue(t, "s1", "alice", time.Hour, time.Hour)
	f.issue(t, "s2", "alice", time.Hour, time.Hour)
	f.issue(t, "s3", "alice", time.Minute, time.Minute)
	f.issue(t, "b1", "bob", time.Hour, time.Hour)
	ctx := context.Background()
	_ = f.m.Logout(ctx, "s2")
	f.clock.Advance(time.Minute)

	got, err := f.m.ListActive(ctx, "alice")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("ListActive = %v, want only s1", got)
	}
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	f.issue(t, "old", "alice", -time.Minute, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		f.m.Run(ctx, 5*time.Millisecond)
		close(stopped)
	}()

	deadline := time.After(2 * time.Second)
	for {
		f.sessions.mu.Lock()
		_, ok := f.sessions.m["old"]
		f.sessions.mu.Unlock()
		if !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweeper did not remove the expired session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_DisabledInterval(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	done := make(chan struct{})
	go func() {
		f.m.Run(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval should return immediately")
	}
}
