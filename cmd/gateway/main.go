// Package main is the entry point for the API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/circuitbreaker"
	"github.com/skyrelay/gateway/internal/config"
	"github.com/skyrelay/gateway/internal/events"
	"github.com/skyrelay/gateway/internal/gateway"
	"github.com/skyrelay/gateway/internal/health"
	"github.com/skyrelay/gateway/internal/metrics"
	"github.com/skyrelay/gateway/internal/observability/logging"
	"github.com/skyrelay/gateway/internal/policy"
	"github.com/skyrelay/gateway/internal/routes"
	"github.com/skyrelay/gateway/internal/store"
)

// Version information (set at build time).
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG_FILE"), "Path to optional YAML settings file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway version %s (%s)\n", version, gitCommit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.SetGlobalLogger(logger)

	logger.Info("starting gateway",
		zap.String("version", version),
		zap.Int("port", cfg.Port),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway terminated", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	warner := logging.NewThrottledWarner(logger, time.Minute)

	sharedStore := store.NewRedisStore(&store.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Logger:   logger.Logger,
	})
	defer func() { _ = sharedStore.Close() }()

	bus := events.NewBus()
	registry := metrics.NewRegistry(logger.Logger)

	breakers := circuitbreaker.NewService(bus, logger.Logger,
		circuitbreaker.WithStore(sharedStore),
		circuitbreaker.WithMetrics(registry),
		circuitbreaker.WithWarner(warner),
	)

	engine := policy.NewEngine(logger.Logger)
	engine.Register(policy.NewAuthentication(policy.AuthConfig{
		JWTSecret: []byte(cfg.JWTSecret),
		Issuer:    cfg.JWTIssuer,
		APIKey:    cfg.APIKey,
	}, logger.Logger))
	engine.Register(policy.NewRateLimit(policy.RateLimitConfig{
		Limit:  cfg.DefaultRateLimit,
		Window: cfg.DefaultRateWindow.Duration(),
	}, sharedStore, logger.Logger, warner))
	engine.Register(policy.NewIPFilter(policy.IPFilterConfig{
		Allowlist: cfg.IPWhitelist,
		Denylist:  cfg.IPBlacklist,
	}, logger.Logger))

	manager := routes.NewManager(sharedStore, cfg.ConfigDir, logger.Logger)
	if err := manager.Load(ctx); err != nil {
		return err
	}
	if err := manager.Watch(ctx); err != nil {
		logger.Warn("routes file watcher unavailable", zap.Error(err))
	}

	breakerDefaults := gateway.BreakerDefaults{
		FailureThreshold: cfg.DefaultFailureThreshold,
		ResetTimeout:     cfg.DefaultResetTimeout.Duration(),
	}
	gateway.RegisterRouteBreakers(ctx, manager, breakers, breakerDefaults)

	pipeline := gateway.NewPipeline(manager, engine, breakers, registry, logger.Logger,
		gateway.PipelineConfig{DefaultTimeout: cfg.UpstreamTimeout.Duration()},
	)

	checker := health.NewChecker()
	checker.RegisterCheck("config", func() health.Check {
		if !manager.Ready() {
			return health.Check{Status: health.StatusUnavailable, Message: "routes not loaded"}
		}
		return health.Check{Status: health.StatusOK}
	})
	checker.RegisterCheck("shared-store", func() health.Check {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := sharedStore.Ping(pingCtx); err != nil {
			return health.Check{Status: health.StatusUnavailable, Message: err.Error()}
		}
		return health.Check{Status: health.StatusOK}
	})

	serverConfig := gateway.DefaultServerConfig()
	serverConfig.Port = cfg.Port
	serverConfig.BreakerDefaults = breakerDefaults
	server := gateway.NewServer(serverConfig, pipeline, manager, breakers, registry, checker, logger.Logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
