// Package rbac adapts authorization guard decisions to gRPC status errors.
package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"nicknamer/server/internal/policy/engine"
	"nicknamer/server/internal/server/interceptors"
	sessiondomain "nicknamer/server/internal/session/domain"
)

// Authorizer decides an operation for an identity. *engine.Guard implements it.
type Authorizer interface {
	Authorize(ctx context.Context, id *sessiondomain.Identity, op engine.Operation, scope engine.Scope) engine.Decision
}

// RequireOperation ensures the caller is authenticated and allowed to perform op on scope.
// Returns the caller's identity on success; returns a gRPC error (Unauthenticated or PermissionDenied) on failure.
func RequireOperation(ctx context.Context, authz Authorizer, op engine.Operation, scope engine.Scope) (*sessiondomain.Identity, error) {
	id, ok := interceptors.IdentityFrom(ctx)
	if !ok || id.UserID == "" {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	if d := authz.Authorize(ctx, id, op, scope); !d.Allowed {
		return nil, status.Error(codes.PermissionDenied, d.Reason)
	}
	return id, nil
}
