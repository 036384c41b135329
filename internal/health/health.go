// Package health reports readiness of the session store and authorization policy.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger checks database connectivity. *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks the authorization policy can evaluate. *engine.Guard implements it.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Checker runs the readiness checks. Nil dependencies are skipped.
type Checker struct {
	db     Pinger
	policy PolicyChecker
}

// NewChecker returns a Checker. db and policy may be nil.
func NewChecker(db Pinger, policy PolicyChecker) *Checker {
	return &Checker{db: db, policy: policy}
}

// Check returns nil when every configured dependency is healthy, otherwise the joined failures.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	var errs []error
	if c.db != nil {
		if err := c.db.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("policy: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Status maps Check to a gRPC serving status.
func (c *Checker) Status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if err := c.Check(ctx); err != nil {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Watch runs Check every interval and publishes the result on srv for service and for the
// server as a whole ("") until ctx is done.
func (c *Checker) Watch(ctx context.Context, srv *grpchealth.Server, service string, interval time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	publish := func() {
		st := c.Status(ctx)
		if st != last {
			log.InfoContext(ctx, "health status changed", slog.String("status", st.String()))
			last = st
		}
		srv.SetServingStatus("", st)
		if service != "" {
			srv.SetServingStatus(service, st)
		}
	}
	publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
