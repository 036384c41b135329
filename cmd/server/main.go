package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"

	"nicknamer/server/internal/audit"
	auditrepo "nicknamer/server/internal/audit/repository"
	"nicknamer/server/internal/config"
	"nicknamer/server/internal/db"
	"nicknamer/server/internal/health"
	identityservice "nicknamer/server/internal/identity/service"
	"nicknamer/server/internal/policy/engine"
	"nicknamer/server/internal/ratelimit"
	"nicknamer/server/internal/security"
	"nicknamer/server/internal/server"
	"nicknamer/server/internal/server/httpserver"
	"nicknamer/server/internal/server/interceptors"
	sessionhandler "nicknamer/server/internal/session/handler"
	sessionrepo "nicknamer/server/internal/session/repository"
	sessionservice "nicknamer/server/internal/session/service"
	"nicknamer/server/internal/telemetry"
	telemetryotel "nicknamer/server/internal/telemetry/otel"
	userrepo "nicknamer/server/internal/user/repository"
)

const (
	serviceName           = "nicknamer-server"
	shutdownTimeout       = 15 * time.Second
	healthProbeInterval   = 10 * time.Second
	shutdownDrainDuration = 2 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.HasSigningKey() {
		return errors.New("JWT_SECRET or JWT_PRIVATE_KEY/JWT_PUBLIC_KEY must be set")
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
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	log := telemetryotel.NewLogger(os.Stderr, telemetryotel.ParseLevel(cfg.LogLevel), serviceName, providers.LoggerProvider)
	slog.SetDefault(log)
	events := telemetryotel.NewEventEmitter(providers.LoggerProvider)

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	key, err := security.LoadSigningKey(cfg.JWTSecret, cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return err
	}
	codec := security.NewCodec(key, cfg.JWTIssuer, cfg.JWTAudience)
	store := db.RetryPolicy{Timeout: cfg.StoreTimeout(), Backoff: cfg.StoreRetryBackoff()}

	users := userrepo.NewPostgresRepository(conn)
	sessions := sessionrepo.NewPostgresRepository(conn)
	auditLogger := audit.NewLogger(auditrepo.NewPostgresRepository(conn), interceptors.ClientIP, log)

	authOpts := []identityservice.Option{
		identityservice.WithAuditLogger(auditLogger),
		identityservice.WithEventEmitter(events),
		identityservice.WithLogger(log),
	}
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		authOpts = append(authOpts, identityservice.WithLimiter(ratelimit.NewLoginLimiter(rdb, ratelimit.Config{
			MaxAttempts: cfg.LoginMaxAttempts,
			Cooldown:    cfg.LoginCooldown(),
		})))
		log.Info("login throttling enabled", slog.Int("max_attempts", cfg.LoginMaxAttempts))
	}
	authService := identityservice.NewAuthService(users, sessions, security.NewHasher(cfg.BcryptCost), codec,
		identityservice.Config{TokenTTL: cfg.TokenTTL(), SessionTTL: cfg.SessionTTL(), Store: store},
		authOpts...)

	validator := sessionservice.NewValidator(codec, sessions, users, sessionservice.ValidatorConfig{
		Store:         store,
		RoleCacheSize: cfg.RoleCacheSize,
		RoleCacheTTL:  cfg.RoleCacheTTL(),
	}, sessionservice.WithValidatorLogger(log), sessionservice.WithValidatorEvents(events))
	manager := sessionservice.NewManager(sessions, store,
		sessionservice.WithManagerLogger(log),
		sessionservice.WithManagerAudit(auditLogger),
		sessionservice.WithManagerEvents(events),
		sessionservice.WithManagerAccessReset(validator.Forget))

	guard, err := engine.NewGuard(ctx)
	if err != nil {
		return err
	}
	checker := health.NewChecker(conn, guard)

	httpSrv := httpserver.NewHTTPServer(ctx, cfg.HTTPAddr, httpserver.Options{
		Auth:       authService,
		Validator:  validator,
		Sessions:   manager,
		Authorizer: guard,
		Health:     checker,
		Cookie: httpserver.CookieConfig{
			Name:     cfg.CookieName,
			Path:     cfg.CookiePath,
			Domain:   cfg.CookieDomain,
			Secure:   cfg.CookieSecure,
			SameSite: cfg.SameSite(),
		},
		CORSOrigins: cfg.CORSOrigins(),
		Logger:      log,
	})

	errCh := make(chan error, 2)

	var grpcSrv *grpc.Server
	healthSrv := grpchealth.NewServer()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv = server.NewGRPCServer(server.Deps{
			Validator:  validator,
			Sessions:   manager,
			Authorizer: guard,
			Health:     healthSrv,
			Audit:      auditLogger,
			Events:     events,
			Logger:     log,
		})
		go func() {
			log.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
		go checker.Watch(ctx, healthSrv, sessionhandler.ServiceName, healthProbeInterval, log)
	}

	go manager.Run(ctx, cfg.SweepInterval())

	go func() {
		log.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	failure := waitForShutdown(ctx, errCh)
	stop()
	if failure != nil {
		log.Error("server failed", slog.Any("error", failure))
	}

	log.Info("shutting down")
	healthSrv.Shutdown()
	// Let load balancers observe NOT_SERVING before connections close.
	time.Sleep(shutdownDrainDuration)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Error("HTTP shutdown", slog.Any("error", err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	// Async telemetry emits started by the last requests still need the providers.
	time.Sleep(telemetryDrain(providers.Exporting))
	log.Info("server stopped")
	return failure
}

// waitForShutdown blocks until ctx is done or a server fails. It returns the failure, or nil for a signal.
func waitForShutdown(ctx context.Context, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// telemetryDrain is how long to wait before the OTel providers shut down.
func telemetryDrain(exporting bool) time.Duration {
	if !exporting {
		return 0
	}
	return telemetry.ShutdownDrainDuration
}
