package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"nicknamer/server/internal/db"
	"nicknamer/server/internal/security"
	"nicknamer/server/internal/session/domain"
	userdomain "nicknamer/server/internal/user/domain"
)

func activeUser(id string, roles ...userdomain.Role) userdomain.User {
	return userdomain.User{ID: id, Username: id, Status: userdomain.UserStatusActive, Roles: roles}
}

func TestValidate_Success(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	f.users.put(activeUser("alice", userdomain.RoleAdmin, userdomain.RoleMember))
	token := f.issue(t, "s1", "alice", 24*time.Hour, time.Hour)

	id, err := f.v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.UserID != "alice" || id.Username != "alice" || id.SessionID != "s1" {
		t.Errorf("identity = %+v", id)
	}
	if !slices.Contains(id.Roles, "admin") || !slices.Contains(id.Roles, "member") {
		t.Errorf("roles = %v", id.Roles)
	}
	if want := epoch.Add(time.Hour); !id.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want token expiry %v", id.ExpiresAt, want)
	}
}

func TestValidate_SessionExpiryGovernsWhenEarlier(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	f.users.put(activeUser("alice"))
	token := f.issue(t, "s1", "alice", 10*time.Minute, time.Hour)

	id, err := f.v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want := epoch.Add(10 * time.Minute); !id.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want session expiry %v", id.ExpiresAt, want)
	}

	f.clock.Advance(10 * time.Minute)
	if _, err := f.v.Validate(context.Background(), token); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("after session expiry: want ErrSessionExpired, got %v", err)
	}
}

func TestValidate_CodecFailuresSkipStore(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	f.users.put(activeUser("alice"))
	good := f.issue(t, "s1", "alice", 24*time.Hour, time.Hour)

	otherKey, err := security.NewHMACKey([]byte(strings.Repeat("x", 32)))
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	forged, err := security.NewCodec(otherKey, "nicknamer", "nicknamer-api", security.WithClock(f.clock.Now)).Encode(security.Claims{
		Subject: "alice", SessionID: "s1", IssuedAt: epoch, ExpiresAt: epoch.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	expired, err := f.codec.Encode(security.Claims{
		Subject: "alice", SessionID: "s1", IssuedAt: epoch.Add(-time.Hour), ExpiresAt: epoch.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", security.ErrMalformedToken},
		{"garbage", "a.b.c", security.ErrMalformedToken},
		{"two segments", good[:strings.LastIndex(good, ".")], security.ErrMalformedToken},
		{"foreign key", forged, security.ErrInvalidSignature},
		{"expired token on live session", expired, security.ErrTokenExpired},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			before := f.sessions.lookupCount()
			_, err := f.v.Validate(context.Background(), tc.token)
			if !errors.Is(err, tc.want) {
				t.Errorf("want %v, got %v", tc.want, err)
			}
			if !IsUnauthenticated(err) {
				t.Errorf("IsUnauthenticated(%v) = false", err)
			}
			if got := f.sessions.lookupCount(); got != before {
				t.Errorf("session store consulted %d times for a token that failed decoding", got-before)
			}
		})
	}
}

func TestValidate_SessionFailures(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(t *testing.T, f *fixture) string
		want  error
	}{
		{"session pruned", func(t *testing.T, f *fixture) string {
			tok := f.issue(t, "s1", "alice", time.Hour, time.Hour)
			delete(f.sessions.m, "s1")
			return tok
		}, ErrSessionNotFound},
		{"subject does not own session", func(t *testing.T, f *fixture) string {
			f.issue(t, "s1", "bob", time.Hour, time.Hour)
			tok, _ := f.codec.Encode(security.Claims{Subject: "alice", SessionID: "s1", IssuedAt: epoch, ExpiresAt: epoch.Add(time.Hour)})
			return tok
		}, ErrSessionNotFound},
		{"revoked", func(t *testing.T, f *fixture) string {
			tok := f.issue(t, "s1", "alice", time.Hour, time.Hour)
			_, _ = f.sessions.Revoke(context.Background(), "s1", epoch)
			return tok
		}, ErrSessionRevoked},
		{"session expired before token", func(t *testing.T, f *fixture) string {
			f.sessions.put(domain.Session{ID: "s1", UserID: "alice", IssuedAt: epoch.Add(-2 * time.Hour), ExpiresAt: epoch.Add(-time.Second)})
			tok, _ := f.codec.Encode(security.Claims{Subject: "alice", SessionID: "s1", IssuedAt: epoch, ExpiresAt: epoch.Add(time.Hour)})
			return tok
		}, ErrSessionExpired},
		{"user deleted", func(t *testing.T, f *fixture) string {
			tok := f.issue(t, "s1", "alice", time.Hour, time.Hour)
			delete(f.users.byID, "alice")
			return tok
		}, ErrSessionNotFound},
		{"user disabled", func(t *testing.T, f *fixture) string {
			u := activeUser("alice")
			u.Status = userdomain.UserStatusDisabled
			f.users.put(u)
			return f.issue(t, "s1", "alice", time.Hour, time.Hour)
		}, ErrSessionRevoked},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, ValidatorConfig{})
			f.users.put(activeUser("alice"))
			f.users.put(activeUser("bob"))
			token := tc.setup(t, f)
			_, err := f.v.Validate(context.Background(), token)
			if !errors.Is(err, tc.want) {
				t.Errorf("want %v, got %v", tc.want, err)
			}
			if errors.Is(err, db.ErrStoreUnavailable) {
				t.Errorf("session failure reported as store outage: %v", err)
			}
		})
	}
}

func TestValidate_StoreUnavailableIsNotNotFound(t *testing.T) {
	f := newFixture(t, ValidatorConfig{})
	f.users.put(activeUser("alice"))
	token := f.issue(t, "s1", "alice", time.Hour, time.Hour)
	f.sessions.setErr(errors.New("connection refused"))

	_, err := f.v.Validate(context.Background(), token)
	if !errors.Is(err, db.ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
	if errors.Is(err, ErrSessionNotFound) || IsUnauthenticated(err) {
		t.Errorf("store outage must not look like a rejected session: %v", err)
	}
	if got := f.sessions.lookupCount(); got != 2 {
		t.Errorf("session lookups = %d, want 2 (one retry)", got)
	}

	f.sessions.setErr(nil)
	if _, err := f.v.Validate(context.Background(), token); err != nil {
		t.Errorf("after recovery: %v", err)
	}
}

func TestValidate_RoleCache(t *testing.T) {
	f := newFixture(t, ValidatorConfig{RoleCacheSize: 16, RoleCacheTTL: time.Minute})
	f.users.put(activeUser("alice", userdomain.RoleMember))
	token := f.issue(t, "s1", "alice", time.Hour, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.v.Validate(ctx, token); err != nil {
			t.Fatalf("Validate %d: %v", i, err)
		}
	}
	if got := f.users.lookupCount(); got != 1 {
		t.Errorf("user lookups = %d, want 1 with cache", got)
	}
	if got := f.sessions.lookupCount(); got != 3 {
		t.Errorf("session lookups = %d, want one per request", got)
	}

	f.users.put(activeUser("alice", userdomain.RoleAdmin))
	f.v.Forget("alice")
	id, err := f.v.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate after Forget: %v", err)
	}
	if !slices.Contains(id.Roles, "admin") {
		t.Errorf("roles after Forget = %v, want reloaded admin", id.Roles)
	}
}

func TestValidate_RevocationNotCached(t *testing.T) {
	f := newFixture(t, ValidatorConfig{RoleCacheSize: 16, RoleCacheTTL: time.Hour})
	f.users.put(activeUser("alice"))
	token := f.issue(t, "s1", "alice", time.Hour, time.Hour)
	ctx := context.Background()

	if _, err := f.v.Validate(ctx, token); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := f.m.Logout(ctx, "s1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.v.Validate(ctx, token); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("after logout: want ErrSessionRevoked, got %v", err)
	}
}

func TestValidate_CountsFailuresByReason(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	f := newFixture(t, ValidatorConfig{}, WithValidatorMeterProvider(mp))
	f.users.put(activeUser("alice"))
	token := f.issue(t, "s1", "alice", time.Hour, time.Hour)
	ctx := context.Background()

	_, _ = f.v.Validate(ctx, "garbage")
	_, _ = f.v.Validate(ctx, token)
	_, _ = f.sessions.Revoke(ctx, "s1", epoch)
	_, _ = f.v.Validate(ctx, token)
	_, _ = f.v.Validate(ctx, token)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "auth.validation.failures" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				reason, _ := dp.Attributes.Value("reason")
				got[reason.AsString()] = dp.Value
			}
		}
	}
	if got[ReasonMalformedToken] != 1 || got[ReasonSessionRevoked] != 2 || len(got) != 2 {
		t.Errorf("failures = %v", got)
	}
}

func TestValidate_ConcurrentWithLogout(t *testing.T) {
	f := newFixture(t, ValidatorConfig{RoleCacheSize: 4, RoleCacheTTL: time.Minute})
	f.users.put(activeUser("alice"))
	token := f.issue(t, "s1", "alice", time.Hour, time.Hour)
	ctx := context.Background()

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			_, err := f.v.Validate(ctx, token)
			done <- err
		}()
	}
	if err := f.m.Logout(ctx, "s1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	for i := 0; i < 16; i++ {
		if err := <-done; err != nil && !errors.Is(err, ErrSessionRevoked) {
			t.Errorf("concurrent validate: %v", err)
		}
	}
	if _, err := f.v.Validate(ctx, token); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("after logout: want ErrSessionRevoked, got %v", err)
	}
}
