package httpserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	identityservice "nicknamer/server/internal/identity/service"
	"nicknamer/server/internal/policy/engine"
	"nicknamer/server/internal/session/domain"
)

// Authenticator exchanges credentials for a session token. *identityservice.AuthService implements it.
type Authenticator interface {
	Login(ctx context.Context, identifier, secret string) (*identityservice.LoginResult, error)
}

// SessionManager is the lifecycle surface the HTTP routes use. *service.Manager implements it.
type SessionManager interface {
	Logout(ctx context.Context, sessionID string) error
	Revoke(ctx context.Context, actorID, sessionID string) error
	RevokeAllForUser(ctx context.Context, actorID, userID string) (int64, error)
	SweepExpired(ctx context.Context) (int64, error)
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	ListActive(ctx context.Context, userID string) ([]*domain.Session, error)
}

// HealthChecker reports readiness.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Options wires the HTTP surface. Auth, Validator, Sessions and Authorizer are required.
type Options struct {
	Auth        Authenticator
	Validator   SessionValidator
	Sessions    SessionManager
	Authorizer  Authorizer
	Health      HealthChecker
	Cookie      CookieConfig
	CORSOrigins []string
	Logger      *slog.Logger
	// Now defaults to time.Now and is used for cookie lifetimes.
	Now func() time.Time

	// Middleware runs after authentication on every route.
	Middleware []func(http.Handler) http.Handler
	// ProtectedAPI mounts extra JSON routes that require a session (401 otherwise).
	ProtectedAPI func(chi.Router)
	// ProtectedWeb mounts extra browser routes that require a session (303 to /login otherwise).
	ProtectedWeb func(chi.Router)
}

// Server holds the dependencies shared by the HTTP handlers.
type Server struct {
	auth      Authenticator
	validator SessionValidator
	sessions  SessionManager
	authz     Authorizer
	health    HealthChecker
	cookie    CookieConfig
	log       *slog.Logger
	now       func() time.Time
}

func newServer(opts Options) *Server {
	s := &Server{
		auth:      opts.Auth,
		validator: opts.Validator,
		sessions:  opts.Sessions,
		authz:     opts.Authorizer,
		health:    opts.Health,
		cookie:    opts.Cookie.withDefaults(),
		log:       opts.Logger,
		now:       opts.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// corsOptions allows credentialed requests from the configured origins and exposes the htmx swap headers.
func corsOptions(origins []string) cors.Options {
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "HX-Request", "HX-Current-URL", "HX-Target", "HX-Trigger"},
		ExposedHeaders:   []string{"HX-Retarget", "HX-Reswap"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

// NewRouter assembles the chi router: shared middleware, the login and logout endpoints, session
// management routes and any caller supplied protected routes.
func NewRouter(opts Options) chi.Router {
	s := newServer(opts)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(clientContext)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(corsOptions(opts.CORSOrigins)))
	}
	r.Use(s.authenticate)
	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.Get("/healthz", s.handleLive)
	r.Get("/readyz", s.handleReady)

	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleFormLogin)
	r.Post("/logout", s.handleFormLogout)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", s.handleAPILogin)
		r.Post("/logout", s.handleAPILogout)

		r.Group(func(r chi.Router) {
			r.Use(RequireSession)
			r.Get("/me", s.handleMe)
			r.Get("/sessions", s.handleListSessions)
			r.With(RequireOperation(s.authz, engine.OpSessionRevoke, s.sessionScope)).
				Delete("/sessions/{sessionID}", s.handleRevokeSession)
			r.With(RequireOperation(s.authz, engine.OpSessionSweep, nil)).
				Post("/sessions/sweep", s.handleSweep)
			r.With(RequireOperation(s.authz, engine.OpSessionRevokeAll, userScope)).
				Post("/users/{userID}/sessions/revoke", s.handleRevokeAll)
			if opts.ProtectedAPI != nil {
				opts.ProtectedAPI(r)
			}
		})
	})

	if opts.ProtectedWeb != nil {
		r.Group(func(r chi.Router) {
			r.Use(RedirectToLogin)
			opts.ProtectedWeb(r)
		})
	}

	return r
}

// Handler returns the router wrapped with OpenTelemetry HTTP instrumentation.
func Handler(opts Options) http.Handler {
	return otelhttp.NewHandler(NewRouter(opts), "nicknamer.http")
}

// NewHTTPServer returns the HTTP server for opts. Request contexts keep ctx's values but not its
// cancellation, so cancelling ctx to start a shutdown leaves in-flight requests for Shutdown to drain.
func NewHTTPServer(ctx context.Context, addr string, opts Options) *http.Server {
	base := context.WithoutCancel(ctx)
	return &http.Server{
		Addr:              addr,
		Handler:           Handler(opts),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
}
