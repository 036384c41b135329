package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"nicknamer/server/internal/audit"
)

// AuditUnary returns a unary server interceptor that records an audit log entry after each authenticated RPC.
// skipMethods is the set of full method names to not audit (e.g. health checks).
// Logging is best-effort and never fails the RPC. Calls with no identity in context are not audited.
func AuditUnary(logger audit.AuditLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if logger == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		userID, ok := GetUserID(ctx)
		if !ok {
			return resp, err
		}
		ar := audit.ParseFullMethod(info.FullMethod)
		logger.LogEvent(ctx, userID, ar.Action, ar.Resource, "code="+status.Code(err).String())
		return resp, err
	}
}
