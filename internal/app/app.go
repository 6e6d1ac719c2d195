package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/gatehouse/internal/config"
	"github.com/wisbric/gatehouse/internal/httpserver"
	"github.com/wisbric/gatehouse/internal/platform"
	"github.com/wisbric/gatehouse/internal/seed"
	"github.com/wisbric/gatehouse/internal/telemetry"
	"github.com/wisbric/gatehouse/internal/version"
	"github.com/wisbric/gatehouse/pkg/admin"
	"github.com/wisbric/gatehouse/pkg/balancer"
	"github.com/wisbric/gatehouse/pkg/breaker"
	"github.com/wisbric/gatehouse/pkg/health"
	"github.com/wisbric/gatehouse/pkg/proxy"
	"github.com/wisbric/gatehouse/pkg/ratelimit"
	"github.com/wisbric/gatehouse/pkg/route"
	"github.com/wisbric/gatehouse/pkg/router"
	"github.com/wisbric/gatehouse/pkg/tenant"
)

// Run is the main application entry point. It takes the loaded config,
// connects to infrastructure, and starts the requested mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gatehouse",
		"mode", cfg.Mode,
		"env", cfg.Env,
		"listen", cfg.ListenAddr(),
	)

	// Tracing
	tracingEndpoint := ""
	if cfg.TracingEnabled {
		tracingEndpoint = cfg.TracingEndpoint
	}
	shutdownTracer, err := telemetry.InitTracer(ctx, tracingEndpoint, "gatehouse", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// Migrations
	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb)
	case "seed":
		return seed.Run(ctx, db, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	if cfg.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required in api mode")
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	tenants := tenant.NewStore(db)
	routes := route.NewStore(db)

	authenticator := tenant.NewAuthenticator(tenants, rdb, logger)
	limiter := ratelimit.NewLimiter(rdb)
	circuitBreaker := breaker.New(rdb, logger)
	healthManager := health.NewManager(rdb, logger)

	matcher := router.NewMatcher(routes, balancer.New())
	forwarder := proxy.New(matcher, circuitBreaker, healthManager, logger)
	pipeline := proxy.NewPipeline(authenticator, limiter, forwarder, logger)

	adminHandler := admin.NewHandler(logger, tenants, routes, healthManager)

	srv := httpserver.NewServer(httpserver.Options{
		Logger:         logger,
		DB:             db,
		Redis:          rdb,
		Metrics:        metricsReg,
		MetricsEnabled: cfg.MetricsEnabled,
		Pipeline:       pipeline,
		Admin:          adminHandler.Routes(cfg.AdminAPIKey),
	})

	// Register health probes for every active route before accepting traffic.
	if err := registerHealthProbes(ctx, routes, healthManager, logger); err != nil {
		return err
	}
	healthManager.Start(ctx)
	defer healthManager.Stop()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// registerHealthProbes loads all active routes and registers a probe per
// upstream with health checking enabled.
func registerHealthProbes(ctx context.Context, routes *route.Store, hm *health.Manager, logger *slog.Logger) error {
	active, err := routes.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading routes for health checks: %w", err)
	}

	registered := 0
	for _, rt := range active {
		hc := rt.HealthCheck()
		if hc == nil || !hc.Enabled {
			continue
		}
		for _, u := range rt.Upstreams {
			hm.Register(health.Target{
				TenantID:    rt.TenantID.String(),
				RouteID:     rt.ID.String(),
				UpstreamURL: u.URL,
				Config:      hc,
			})
			registered++
		}
	}
	logger.Info("health probes registered", "count", registered)
	return nil
}
