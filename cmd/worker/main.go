// Worker deletes expired sessions on SWEEP_INTERVAL. Run it when the API servers set SWEEP_INTERVAL=0
// so a single process owns the sweep.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nicknamer/server/internal/audit"
	auditrepo "nicknamer/server/internal/audit/repository"
	"nicknamer/server/internal/config"
	"nicknamer/server/internal/db"
	sessionrepo "nicknamer/server/internal/session/repository"
	sessionservice "nicknamer/server/internal/session/service"
	telemetryotel "nicknamer/server/internal/telemetry/otel"
)

const serviceName = "nicknamer-worker"

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()
	log := telemetryotel.NewLogger(os.Stderr, telemetryotel.ParseLevel(cfg.LogLevel), serviceName, providers.LoggerProvider)

	interval := cfg.SweepInterval()
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	manager := sessionservice.NewManager(sessionrepo.NewPostgresRepository(conn),
		db.RetryPolicy{Timeout: cfg.StoreTimeout(), Backoff: cfg.StoreRetryBackoff()},
		sessionservice.WithManagerLogger(log),
		sessionservice.WithManagerAudit(audit.NewLogger(auditrepo.NewPostgresRepository(conn), nil, log)),
		sessionservice.WithManagerEvents(telemetryotel.NewEventEmitter(providers.LoggerProvider)))

	log.Info("worker: sweeping expired sessions", slog.Duration("interval", interval))
	manager.Run(ctx, interval)
	log.Info("worker: stopped")
	return nil
}
