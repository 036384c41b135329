package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"nicknamer/server/internal/db"
	"nicknamer/server/internal/policy/engine"
	"nicknamer/server/internal/server/interceptors"
	"nicknamer/server/internal/session/domain"
)

// SessionValidator turns a token into an identity. *service.Validator implements it.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*domain.Identity, error)
}

// Authorizer decides guarded operations. *engine.Guard implements it.
type Authorizer interface {
	Authorize(ctx context.Context, id *domain.Identity, op engine.Operation, scope engine.Scope) engine.Decision
}

// ScopeFunc resolves the resource a request targets.
type ScopeFunc func(r *http.Request, id *domain.Identity) (engine.Scope, error)

// requestLogger logs one line per request. Login routes never log the user agent, and no route
// logs headers, cookies or bodies.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("client_ip", interceptors.ClientIP(r.Context())),
			}
			if !isLoginPath(r.URL.Path) {
				attrs = append(attrs, slog.String("user_agent", r.UserAgent()))
			}
			log.InfoContext(r.Context(), "http request", attrs...)
		})
	}
}

func isLoginPath(path string) bool {
	return path == "/login" || strings.HasSuffix(path, "/login")
}

// clientContext records the caller's address and user agent for audit and session rows.
// Run after middleware.RealIP.
func clientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		next.ServeHTTP(w, r.WithContext(interceptors.WithClient(r.Context(), ip, r.UserAgent())))
	})
}

// tokenFromRequest prefers an Authorization bearer token and falls back to the session cookie.
func tokenFromRequest(r *http.Request, cookieName string) (token string, fromCookie bool) {
	if t := interceptors.ParseBearer(r.Header.Get("Authorization")); t != "" {
		return t, false
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

// authenticate validates any presented token and stores the identity in the request context.
// A rejected token leaves the request anonymous; a rejected cookie is also cleared. A store outage
// is answered with 503 and never treated as an anonymous request.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, fromCookie := tokenFromRequest(r, s.cookie.Name)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := s.validator.Validate(r.Context(), token)
		if err != nil {
			if errors.Is(err, db.ErrStoreUnavailable) {
				writeUnavailable(w)
				return
			}
			if fromCookie {
				clearSessionCookie(w, s.cookie)
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(interceptors.WithIdentity(r.Context(), id)))
	})
}

// RequireSession answers 401 JSON unless the request carries a valid session.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := interceptors.IdentityFrom(r.Context()); !ok {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RedirectToLogin sends browsers without a valid session to the login page.
func RedirectToLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := interceptors.IdentityFrom(r.Context()); !ok {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireOperation answers 403 unless authz allows op on the scope resolved by scopeOf.
// It must run after RequireSession or RedirectToLogin.
func RequireOperation(authz Authorizer, op engine.Operation, scopeOf ScopeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := interceptors.IdentityFrom(r.Context())
			if !ok {
				writeUnauthorized(w)
				return
			}
			var scope engine.Scope
			if scopeOf != nil {
				sc, err := scopeOf(r, id)
				if err != nil {
					writeStoreError(w, err)
					return
				}
				scope = sc
			}
			if d := authz.Authorize(r.Context(), id, op, scope); !d.Allowed {
				writeError(w, http.StatusForbidden, "FORBIDDEN", d.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
