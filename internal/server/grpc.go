package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"nicknamer/server/internal/audit"
	"nicknamer/server/internal/platform/rbac"
	"nicknamer/server/internal/server/interceptors"
	sessionhandler "nicknamer/server/internal/session/handler"
	"nicknamer/server/internal/telemetry"
)

// PublicMethods are callable without a bearer token.
var PublicMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
	"/grpc.health.v1.Health/Watch": true,
	"/grpc.health.v1.Health/List":  true,
}

// Deps holds the dependencies of the gRPC admin plane.
type Deps struct {
	// Validator authenticates bearer tokens for every non-public RPC. Required.
	Validator interceptors.IdentityValidator
	// Sessions backs SessionService. If nil, SessionService is not registered.
	Sessions sessionhandler.Lifecycle
	// Authorizer decides Revoke and Sweep. Required when Sessions is set.
	Authorizer rbac.Authorizer
	// Health is the standard health service. If nil, a server reporting SERVING is registered.
	Health *grpchealth.Server
	// Audit records authenticated RPCs. If nil, RPCs are not audited.
	Audit audit.AuditLogger
	// Events receives one event per RPC. If nil, no events are emitted.
	Events telemetry.EventEmitter
	Logger *slog.Logger
}

// NewGRPCServer returns a gRPC server with tracing, authentication, audit and telemetry
// interceptors and every service in deps registered.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.AuthUnary(deps.Validator, PublicMethods),
			interceptors.TelemetryUnary(deps.Events, PublicMethods, deps.Logger),
			interceptors.AuditUnary(deps.Audit, PublicMethods),
		),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers all gRPC services with the given server.
//
// Service → handler mapping:
//   - nicknamer.session.v1.SessionService → internal/session/handler
//   - grpc.health.v1.Health                → google.golang.org/grpc/health
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	hs := deps.Health
	if hs == nil {
		hs = grpchealth.NewServer()
	}
	healthpb.RegisterHealthServer(s, hs)
	if deps.Sessions != nil {
		sessionhandler.RegisterSessionServiceServer(s, sessionhandler.NewServer(deps.Sessions, deps.Authorizer))
	}
}
