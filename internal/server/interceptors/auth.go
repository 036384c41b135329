package interceptors

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"nicknamer/server/internal/db"
	sessiondomain "nicknamer/server/internal/session/domain"
)

const bearerPrefix = "bearer "

// IdentityValidator turns a bearer token into a validated identity.
// The session validator satisfies it; it logs the rejection kind itself.
type IdentityValidator interface {
	Validate(ctx context.Context, token string) (*sessiondomain.Identity, error)
}

// AuthUnary returns a unary server interceptor that validates the Bearer token from gRPC metadata
// and stores the resulting identity in context for protected RPCs.
// publicMethods is the set of full method names that do not require a token (e.g. health checks).
// Every rejection is the same Unauthenticated status; only store outages surface as Unavailable.
func AuthUnary(validator IdentityValidator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		token := extractBearer(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		id, err := validator.Validate(ctx, token)
		if err != nil {
			if errors.Is(err, db.ErrStoreUnavailable) {
				return nil, status.Error(codes.Unavailable, "session store unavailable")
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	return ParseBearer(vals[0])
}

// ParseBearer returns the token from an "Authorization: Bearer <token>" value, or "".
// The scheme is matched case-insensitively.
func ParseBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
