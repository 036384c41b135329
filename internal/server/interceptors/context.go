package interceptors

import (
	"context"

	sessiondomain "nicknamer/server/internal/session/domain"
)

type contextKey struct{ name string }

var (
	identityKey  = contextKey{"identity"}
	clientIPKey  = contextKey{"client_ip"}
	userAgentKey = contextKey{"user_agent"}
)

// WithIdentity returns a context carrying the validated identity for this request.
// Handlers read it via IdentityFrom, GetUserID, GetSessionID.
func WithIdentity(ctx context.Context, id *sessiondomain.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity set by the auth middleware or interceptor, or nil, false.
func IdentityFrom(ctx context.Context) (*sessiondomain.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*sessiondomain.Identity)
	return id, ok && id != nil
}

// GetUserID returns the user_id from context and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return "", false
	}
	return id.UserID, true
}

// GetSessionID returns the session_id from context and true if set; otherwise "", false.
func GetSessionID(ctx context.Context) (string, bool) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return "", false
	}
	return id.SessionID, true
}

// WithClient records the caller's address and user agent. The HTTP transport sets it per request;
// gRPC callers fall back to metadata and peer info in ClientIP and UserAgent.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	if ip != "" {
		ctx = context.WithValue(ctx, clientIPKey, ip)
	}
	if userAgent != "" {
		ctx = context.WithValue(ctx, userAgentKey, userAgent)
	}
	return ctx
}
