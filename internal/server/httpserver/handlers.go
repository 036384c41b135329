package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"nicknamer/server/internal/db"
	identityservice "nicknamer/server/internal/identity/service"
	"nicknamer/server/internal/policy/engine"
	"nicknamer/server/internal/server/interceptors"
	"nicknamer/server/internal/session/domain"
	sessionservice "nicknamer/server/internal/session/service"
)

const invalidCredentialsMessage = "Invalid username or password"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type identityResponse struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	SessionID string    `json:"session_id"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Current   bool      `json:"current"`
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Check(r.Context()); err != nil {
			s.log.WarnContext(r.Context(), "readiness check failed", slog.Any("error", err))
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "Service not ready")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if id, ok := interceptors.IdentityFrom(r.Context()); ok {
		renderPage(w, http.StatusOK, "login_success", displayName(id))
		return
	}
	renderPage(w, http.StatusOK, "login", nil)
}

// displayName is what the success page greets; identities built without a username fall back to the id.
func displayName(id *domain.Identity) string {
	if id.Username != "" {
		return id.Username
	}
	return id.UserID
}

// handleFormLogin serves the browser form. Credential failures answer 200 with a message fragment
// so htmx swaps it into the page; a caller already holding a valid session gets the success fragment.
func (s *Server) handleFormLogin(w http.ResponseWriter, r *http.Request) {
	if id, ok := interceptors.IdentityFrom(r.Context()); ok {
		renderPage(w, http.StatusOK, "login_success", displayName(id))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := r.ParseForm(); err != nil {
		renderLoginMessage(w, invalidCredentialsMessage)
		return
	}
	res, err := s.auth.Login(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
	switch {
	case err == nil:
	case errors.Is(err, identityservice.ErrInvalidCredentials):
		renderLoginMessage(w, invalidCredentialsMessage)
		return
	case errors.Is(err, identityservice.ErrRateLimited):
		renderLoginMessage(w, "Too many attempts, try again later")
		return
	case errors.Is(err, db.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		renderPage(w, http.StatusServiceUnavailable, "login_message", "Service unavailable, try again")
		return
	default:
		renderPage(w, http.StatusInternalServerError, "login_message", "Something went wrong")
		return
	}
	if !setSessionCookie(w, s.cookie, res.Token, res.ExpiresAt, s.now()) {
		s.log.ErrorContext(r.Context(), "login: issued token already expired", slog.String("session_id", res.SessionID))
		renderPage(w, http.StatusInternalServerError, "login_message", "Something went wrong")
		return
	}
	renderPage(w, http.StatusOK, "login_success", res.Username)
}

// handleAPILogin returns the token in the body and also sets the session cookie.
func (s *Server) handleAPILogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body must be {\"username\", \"password\"}")
		return
	}
	res, err := s.auth.Login(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, identityservice.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", invalidCredentialsMessage)
		return
	case errors.Is(err, identityservice.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many login attempts, try again later")
		return
	default:
		writeStoreError(w, err)
		return
	}
	setSessionCookie(w, s.cookie, res.Token, res.ExpiresAt, s.now())
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, ExpiresAt: res.ExpiresAt.UTC()})
}

// logout revokes the caller's session if there is one. The cookie is cleared either way.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) error {
	clearSessionCookie(w, s.cookie)
	id, ok := interceptors.IdentityFrom(r.Context())
	if !ok {
		return nil
	}
	return s.sessions.Logout(r.Context(), id.SessionID)
}

func (s *Server) handleFormLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.logout(w, r); err != nil {
		writeStoreError(w, err)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleAPILogout(w http.ResponseWriter, r *http.Request) {
	if err := s.logout(w, r); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.IdentityFrom(r.Context())
	roles := id.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, identityResponse{
		UserID:    id.UserID,
		Username:  id.Username,
		SessionID: id.SessionID,
		Roles:     roles,
		ExpiresAt: id.ExpiresAt.UTC(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.IdentityFrom(r.Context())
	list, err := s.sessions.ListActive(r.Context(), id.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, sess := range list {
		out = append(out, sessionResponse{
			ID:        sess.ID,
			IssuedAt:  sess.IssuedAt.UTC(),
			ExpiresAt: sess.ExpiresAt.UTC(),
			IPAddress: sess.IPAddress,
			UserAgent: sess.UserAgent,
			Current:   sess.ID == id.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// sessionScope makes the session's user its owner. A missing session has no owner.
func (s *Server) sessionScope(r *http.Request, _ *domain.Identity) (engine.Scope, error) {
	sid := chi.URLParam(r, "sessionID")
	scope := engine.Scope{Kind: "session", ID: sid}
	sess, err := s.sessions.Get(r.Context(), sid)
	switch {
	case err == nil:
		scope.OwnerID = sess.UserID
	case errors.Is(err, sessionservice.ErrSessionNotFound):
	default:
		return scope, err
	}
	return scope, nil
}

func userScope(r *http.Request, _ *domain.Identity) (engine.Scope, error) {
	uid := chi.URLParam(r, "userID")
	return engine.Scope{Kind: "user", ID: uid, OwnerID: uid}, nil
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.IdentityFrom(r.Context())
	sid := chi.URLParam(r, "sessionID")
	if err := s.sessions.Revoke(r.Context(), id.UserID, sid); err != nil {
		writeStoreError(w, err)
		return
	}
	if sid == id.SessionID {
		clearSessionCookie(w, s.cookie)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.IdentityFrom(r.Context())
	uid := chi.URLParam(r, "userID")
	n, err := s.sessions.RevokeAllForUser(r.Context(), id.UserID, uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if uid == id.UserID {
		clearSessionCookie(w, s.cookie)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.sessions.SweepExpired(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
