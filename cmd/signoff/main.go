// Package main is the entry point for the signoff approval service.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/capability"
	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/definition"
	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/internal/idempotency"
	"github.com/pitabwire/signoff/internal/notify"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/internal/overdue"
	"github.com/pitabwire/signoff/internal/transport"
	"github.com/pitabwire/signoff/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags and pick up a local .env file if present.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file with SIGNOFF_* overrides")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		return 1
	}

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "signoff", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load the API document.
	api, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("API document load failed", zap.Error(err))
		return 1
	}

	// Step 5: Load definitions, validate, compile tables and templates.
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	compiled, verrs := definition.Compile(defs)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	registry := definition.NewRegistry(defs, compiled)
	metrics.SetDefinitionsLoaded(registry.Count(), len(compiled.Templates))

	// Step 6: Initialize capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL,
		capability.WithMetrics(metrics),
		capability.WithMaxEntries(cfg.Capability.Cache.MaxEntries),
	)

	// Step 7: Initialize workflow store.
	store, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}
	defer store.Close()

	// Step 8: Initialize idempotency store.
	idemStore, idemHealth, idemClose, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemClose != nil {
		defer idemClose()
	}

	// Step 9: Build the notifier chain. In-process subscribers see every
	// event; the external sink sits behind a circuit breaker.
	bus := notify.NewBus()
	bus.Subscribe(func(_ context.Context, evt notify.Event) {
		logger.Warn("step overdue",
			zap.String("instance_id", evt.InstanceID),
			zap.String("entity", evt.Entity.Key()),
			zap.String("tenant_id", evt.TenantID),
		)
	}, notify.EventStepOverdue)

	sink, sinkClose, err := buildSink(cfg.Notifications, logger)
	if err != nil {
		logger.Error("notification sink initialization failed", zap.Error(err))
		return 1
	}
	if sinkClose != nil {
		defer sinkClose()
	}
	cb := cfg.Notifications.CircuitBreaker
	breaker := notify.NewBreaker(cfg.Notifications.Driver, sink, notify.BreakerConfig{
		FailureThreshold:   cb.FailureThreshold,
		SuccessThreshold:   cb.SuccessThreshold,
		Timeout:            cb.Timeout,
		ErrorRateThreshold: cb.ErrorRateThreshold,
		ErrorRateWindow:    cb.ErrorRateWindow,
	}, notify.WithStateChange(notify.BreakerMetrics(metrics)))
	notifier := notify.Multi{bus, notify.Instrumented(cfg.Notifications.Driver, breaker, metrics)}

	// Step 10: Build the engine and seed file templates.
	guards := guard.NewRegistry(compiled.Tables...)
	engine := workflow.NewEngine(store, guards, capResolver,
		workflow.WithNotifier(notifier),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)
	if cfg.Definitions.SeedTemplates {
		if err := engine.SeedTemplates(ctx, registry.Templates()); err != nil {
			logger.Error("template seeding failed", zap.Error(err))
			return 1
		}
	}
	if _, err := engine.SyncLifecycles(ctx); err != nil {
		logger.Error("template lifecycle registration failed", zap.Error(err))
		return 1
	}

	// Step 11: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go watchReload(bgCtx, reloader{
		dirs:     cfg.Definitions.Directories,
		seed:     cfg.Definitions.SeedTemplates,
		registry: registry,
		guards:   guards,
		engine:   engine,
		policy:   evaluator,
		resolver: capResolver,
		metrics:  metrics,
		logger:   logger,
	})

	var scanner *overdue.Scanner
	if cfg.Overdue.Enabled {
		scanner = overdue.NewScanner(store, notifier, cfg.Overdue.After,
			overdue.WithMetrics(metrics),
			overdue.WithLogger(logger),
		)
		if err := scanner.Start(ctx, cfg.Overdue.Schedule); err != nil {
			logger.Error("overdue scanner start failed", zap.Error(err))
			return 1
		}
	}

	// Step 12: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Count() > 0 },
		Store:             store,
		Notifier:          breaker,
	}
	if idemHealth != nil {
		readiness.IdempotencyStore = idemHealth
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Engine:             engine,
		API:                api,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Idempotency:        idemStore,
		Readiness:          readiness,
		Metrics:            metrics,
		MetricsHandler:     observability.Handler(),
		Logger:             logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 13: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("definitions", registry.Count()),
		zap.Int("templates", len(compiled.Templates)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()
	if scanner != nil {
		scanner.Stop()
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore opens the workflow store selected by config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory workflow store; history is lost on restart")
		return workflow.NewMemoryStore(), nil
	case config.DriverSQLite:
		logger.Info("using sqlite workflow store", zap.String("path", cfg.SQLitePath))
		return workflow.OpenSQLite(ctx, cfg.SQLitePath)
	case config.DriverPostgres:
		return openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// openPostgres connects a pool from the DSN named by cfg.DSNEnv.
func openPostgres(ctx context.Context, cfg config.StoreConfig) (*workflow.PgStore, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(min(cfg.MaxIdleConns, cfg.MaxOpenConns))
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workflow store: ping: %w", err)
	}

	store := workflow.NewPgStore(pool)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(
	cfg config.IdempotencyConfig,
	logger *zap.Logger,
) (idempotency.Store, observability.HealthChecker, func() error, error) {
	if !cfg.Enabled {
		return nil, nil, nil, nil
	}

	switch cfg.Store.Driver {
	case config.DriverRedis:
		client, err := redisClient(cfg.Store.AddrEnv, cfg.Store.DB)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		store := idempotency.NewRedisStore(client)
		return store, store, store.Close, nil
	default:
		logger.Info("using in-memory idempotency store")
		store := idempotency.NewMemoryStore()
		return store, store, nil, nil
	}
}

// buildSink creates the external notification sink.
func buildSink(cfg config.NotificationsConfig, logger *zap.Logger) (notify.Notifier, func() error, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		client, err := redisClient(cfg.AddrEnv, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("notifications: %w", err)
		}
		return notify.NewRedisPublisher(client, cfg.Channel), client.Close, nil
	default:
		return notify.NewLogNotifier(logger), nil, nil
	}
}

func redisClient(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	return redis.NewClient(&redis.Options{Addr: addr, DB: db}), nil
}
