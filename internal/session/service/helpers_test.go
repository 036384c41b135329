package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"nicknamer/server/internal/db"
	"nicknamer/server/internal/security"
	"nicknamer/server/internal/session/domain"
	userdomain "nicknamer/server/internal/user/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var epoch = time.Date(2030, time.March, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memSessionRepo struct {
	mu      sync.Mutex
	m       map[string]*domain.Session
	err     error
	lookups int
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{m: map[string]*domain.Session{}}
}

func (r *memSessionRepo) put(s domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[s.ID] = &s
}

func (r *memSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, ok := r.m[s.ID]; ok {
		return nil
	}
	s2 := *s
	r.m[s.ID] = &s2
	return nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.err != nil {
		return nil, r.err
	}
	s, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	s2 := *s
	return &s2, nil
}

func (r *memSessionRepo) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []*domain.Session
	for _, s := range r.m {
		if s.UserID == userID && !s.Revoked && !s.Expired(now) {
			s2 := *s
			out = append(out, &s2)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memSessionRepo) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	s, ok := r.m[id]
	if !ok || s.Revoked {
		return false, nil
	}
	s.Revoked = true
	s.RevokedAt = &at
	return true, nil
}

func (r *memSessionRepo) RevokeAllByUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	var n int64
	for _, s := range r.m {
		if s.UserID == userID && !s.Revoked {
			s.Revoked = true
			s.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	var n int64
	for id, s := range r.m {
		if s.Expired(now) {
			delete(r.m, id)
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *memSessionRepo) lookupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

type memUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*userdomain.User
	lookups int
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: map[string]*userdomain.User{}}
}

func (r *memUserRepo) put(u userdomain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[u.ID] = &u
}

func (r *memUserRepo) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	u2 := *u
	return &u2, nil
}

func (r *memUserRepo) lookupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

type auditRecord struct{ userID, action, metadata string }

type memAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *memAudit) LogEvent(ctx context.Context, userID, action, resource, metadata string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{userID, action, metadata})
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, r := range a.records {
		out = append(out, r.action)
	}
	return out
}

func fastStore() db.RetryPolicy {
	return db.RetryPolicy{Timeout: 100 * time.Millisecond, Backoff: time.Millisecond}
}

type fixture struct {
	clock    *testClock
	codec    *security.Codec
	sessions *memSessionRepo
	users    *memUserRepo
	v        *Validator
	m        *Manager
}

func newFixture(t *testing.T, cfg ValidatorConfig, opts ...ValidatorOption) *fixture {
	t.Helper()
	clock := &testClock{t: epoch}
	key, err := security.NewHMACKey([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	f := &fixture{
		clock:    clock,
		codec:    security.NewCodec(key, "nicknamer", "nicknamer-api", security.WithClock(clock.Now)),
		sessions: newMemSessionRepo(),
		users:    newMemUserRepo(),
	}
	cfg.Store = fastStore()
	opts = append([]ValidatorOption{WithValidatorClock(clock.Now)}, opts...)
	f.v = NewValidator(f.codec, f.sessions, f.users, cfg, opts...)
	f.m = NewManager(f.sessions, fastStore(), WithManagerClock(clock.Now))
	return f
}

// issue stores a live session for userID and returns a token bound to it.
func (f *fixture) issue(t *testing.T, sessionID, userID string, sessionTTL, tokenTTL time.Duration) string {
	t.Helper()
	now := f.clock.Now()
	f.sessions.put(domain.Session{ID: sessionID, UserID: userID, IssuedAt: now, ExpiresAt: now.Add(sessionTTL)})
	token, err := f.codec.Encode(security.Claims{
		Subject:   userID,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(tokenTTL),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return token
}
