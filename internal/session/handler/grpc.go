// Package handler exposes session introspection and administration over gRPC.
package handler

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"nicknamer/server/internal/db"
	"nicknamer/server/internal/platform/rbac"
	"nicknamer/server/internal/policy/engine"
	"nicknamer/server/internal/server/interceptors"
	"nicknamer/server/internal/session/domain"
	"nicknamer/server/internal/session/service"
)

// Full method names of SessionService.
const (
	ServiceName      = "nicknamer.session.v1.SessionService"
	MethodIntrospect = "/" + ServiceName + "/Introspect"
	MethodRevoke     = "/" + ServiceName + "/Revoke"
	MethodSweep      = "/" + ServiceName + "/Sweep"
)

// SessionServiceServer is the server API for SessionService.
type SessionServiceServer interface {
	// Introspect returns the caller's validated identity.
	Introspect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Revoke revokes the session with the given id. Owners may revoke their own sessions; admins any.
	Revoke(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// Sweep deletes expired sessions and returns how many were removed. Admin only.
	Sweep(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

// Lifecycle is the part of the session manager the handler needs. *service.Manager implements it.
type Lifecycle interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	Revoke(ctx context.Context, actorID, sessionID string) error
	SweepExpired(ctx context.Context) (int64, error)
}

// Server implements SessionServiceServer.
type Server struct {
	sessions Lifecycle
	authz    rbac.Authorizer
}

// NewServer returns a SessionService server.
func NewServer(sessions Lifecycle, authz rbac.Authorizer) *Server {
	return &Server{sessions: sessions, authz: authz}
}

// Introspect returns user_id, username, session_id, roles and expires_at of the authenticated caller.
func (s *Server) Introspect(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	id, ok := interceptors.IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	roles := make([]any, 0, len(id.Roles))
	for _, r := range id.Roles {
		roles = append(roles, r)
	}
	out, err := structpb.NewStruct(map[string]any{
		"user_id":    id.UserID,
		"username":   id.Username,
		"session_id": id.SessionID,
		"roles":      roles,
		"expires_at": id.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode identity")
	}
	return out, nil
}

// Revoke revokes a session. Revoking a session that no longer exists succeeds for admins.
func (s *Server) Revoke(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	sessionID := req.GetValue()
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session id is required")
	}
	scope := engine.Scope{Kind: "session", ID: sessionID}
	sess, err := s.sessions.Get(ctx, sessionID)
	switch {
	case err == nil:
		scope.OwnerID = sess.UserID
	case errors.Is(err, service.ErrSessionNotFound):
	default:
		return nil, toStatus(err)
	}
	id, err := rbac.RequireOperation(ctx, s.authz, engine.OpSessionRevoke, scope)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Revoke(ctx, id.UserID, sessionID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Sweep deletes expired sessions.
func (s *Server) Sweep(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	if _, err := rbac.RequireOperation(ctx, s.authz, engine.OpSessionSweep, engine.Scope{Kind: "session"}); err != nil {
		return nil, err
	}
	n, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(n), nil
}

func toStatus(err error) error {
	if errors.Is(err, db.ErrStoreUnavailable) {
		return status.Error(codes.Unavailable, "session store unavailable")
	}
	return status.Error(codes.Internal, "internal error")
}

// RegisterSessionServiceServer registers srv on s.
func RegisterSessionServiceServer(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&SessionService_ServiceDesc, srv)
}

func _SessionService_Introspect_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServiceServer).Introspect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodIntrospect}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServiceServer).Introspect(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _SessionService_Revoke_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServiceServer).Revoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRevoke}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServiceServer).Revoke(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _SessionService_Sweep_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServiceServer).Sweep(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSweep}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServiceServer).Sweep(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// SessionService_ServiceDesc is the grpc.ServiceDesc for SessionService.
var SessionService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Introspect", Handler: _SessionService_Introspect_Handler},
		{MethodName: "Revoke", Handler: _SessionService_Revoke_Handler},
		{MethodName: "Sweep", Handler: _SessionService_Sweep_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nicknamer/session/v1/session.proto",
}
