package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"nicknamer/server/internal/db"
	identityservice "nicknamer/server/internal/identity/service"
	"nicknamer/server/internal/policy/engine"
	"nicknamer/server/internal/security"
	"nicknamer/server/internal/session/domain"
	sessionservice "nicknamer/server/internal/session/service"
	userdomain "nicknamer/server/internal/user/domain"
	userrepo "nicknamer/server/internal/user/repository"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "Correct-Horse-9!"
)

type memUserRepo struct {
	mu     sync.Mutex
	byName map[string]*userdomain.User
	byID   map[string]*userdomain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byName: map[string]*userdomain.User{}, byID: map[string]*userdomain.User{}}
}

func (r *memUserRepo) GetByUsername(ctx context.Context, username string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[username], nil
}

func (r *memUserRepo) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id], nil
}

func (r *memUserRepo) Create(ctx context.Context, u *userdomain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[u.Username]; ok {
		return userrepo.ErrDuplicateUsername
	}
	r.byName[u.Username] = u
	r.byID[u.ID] = u
	return nil
}

type memSessionRepo struct {
	mu sync.Mutex
	m  map[string]*domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{m: map[string]*domain.Session{}}
}

func (r *memSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.m[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.m {
		if s.UserID == userID && !s.Revoked && !s.Expired(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memSessionRepo) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
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
	var n int64
	for id, s := range r.m {
		if s.Expired(now) {
			delete(r.m, id)
			n++
		}
	}
	return n, nil
}

// stack is the full login, validation and lifecycle chain over in-memory stores.
type stack struct {
	users     *memUserRepo
	sessions  *memSessionRepo
	auth      *identityservice.AuthService
	validator *sessionservice.Validator
	manager   *sessionservice.Manager
	guard     *engine.Guard
	handler   http.Handler
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStack(t *testing.T, mutate func(*Options)) *stack {
	t.Helper()
	key, err := security.NewHMACKey([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	codec := security.NewCodec(key, "nicknamer", "nicknamer-api")
	store := db.RetryPolicy{Timeout: time.Second, Backoff: time.Millisecond}
	log := quietLogger()

	st := &stack{users: newMemUserRepo(), sessions: newMemSessionRepo()}
	st.auth = identityservice.NewAuthService(st.users, st.sessions, security.NewHasher(4), codec,
		identityservice.Config{TokenTTL: time.Hour, SessionTTL: 2 * time.Hour, Store: store},
		identityservice.WithLogger(log))
	st.validator = sessionservice.NewValidator(codec, st.sessions, st.users,
		sessionservice.ValidatorConfig{Store: store}, sessionservice.WithValidatorLogger(log))
	st.manager = sessionservice.NewManager(st.sessions, store, sessionservice.WithManagerLogger(log))
	st.guard, err = engine.NewGuard(context.Background())
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	opts := Options{
		Auth:       st.auth,
		Validator:  st.validator,
		Sessions:   st.manager,
		Authorizer: st.guard,
		Logger:     log,
	}
	if mutate != nil {
		mutate(&opts)
	}
	st.handler = NewRouter(opts)
	return st
}

func (st *stack) register(t *testing.T, username string, roles ...userdomain.Role) *userdomain.User {
	t.Helper()
	u, err := st.auth.Register(context.Background(), username, testPassword, roles)
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return u
}

// login performs a JSON login and returns the token.
func (st *stack) login(t *testing.T, username string) string {
	t.Helper()
	rec := st.do(newJSONRequest(http.MethodPost, "/api/v1/login", `{"username":"`+username+`","password":"`+testPassword+`"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func (st *stack) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	st.handler.ServeHTTP(rec, req)
	return rec
}

func newJSONRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func withBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

// renameRoutes mounts a name rename endpoint guarded like the application's own name routes.
func renameRoutes(authz Authorizer) func(chi.Router) {
	return func(r chi.Router) {
		r.With(RequireOperation(authz, engine.OpNameRename, func(r *http.Request, _ *domain.Identity) (engine.Scope, error) {
			owner := chi.URLParam(r, "ownerID")
			return engine.Scope{Kind: "name", ID: owner + "/nick", OwnerID: owner}, nil
		})).Post("/names/{ownerID}/rename", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

type stubAuth struct {
	res *identityservice.LoginResult
	err error
}

func (a stubAuth) Login(ctx context.Context, identifier, secret string) (*identityservice.LoginResult, error) {
	return a.res, a.err
}

type stubValidator struct {
	id  *domain.Identity
	err error
}

func (v stubValidator) Validate(ctx context.Context, token string) (*domain.Identity, error) {
	return v.id, v.err
}

type stubHealth struct{ err error }

func (h stubHealth) Check(ctx context.Context) error { return h.err }
