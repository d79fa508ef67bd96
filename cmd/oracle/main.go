// Package main runs the TripGuard policy oracle: the purchase flow, the
// reconciliation engine that settles parametric claims on chain, the contract
// event listener, and the HTTP view.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tripguard/oracle/internal/adapter"
	"github.com/tripguard/oracle/internal/adapter/baggage"
	"github.com/tripguard/oracle/internal/adapter/booking"
	"github.com/tripguard/oracle/internal/adapter/flight"
	"github.com/tripguard/oracle/internal/api"
	"github.com/tripguard/oracle/internal/config"
	"github.com/tripguard/oracle/internal/listener"
	"github.com/tripguard/oracle/internal/oracle"
	"github.com/tripguard/oracle/internal/platform/chain"
	natsx "github.com/tripguard/oracle/internal/platform/nats"
	"github.com/tripguard/oracle/internal/platform/storage"
	"github.com/tripguard/oracle/internal/purchase"
)

func main() {
	configPath := flag.String("config", envOrDefault("CONFIG_PATH", ""), "Path to YAML config file")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("starting policy oracle",
		"rpc_url", cfg.Chain.RPCURL,
		"contract", cfg.Chain.ContractAddress,
		"cycle_interval", cfg.Scheduler.Interval,
		"api_addr", cfg.API.Addr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("failed to run database migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to database and applied migrations",
		"host", cfg.Database.Host, "database", cfg.Database.Database)

	policies := storage.NewPolicyRepository(db)
	claims := storage.NewClaimRepository(db)

	// Chain
	chainClient, err := chain.Dial(ctx, cfg.Chain, logger)
	if err != nil {
		slog.Error("failed to connect to chain", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()
	slog.Info("connected to chain", "signer", chainClient.Signer().Hex())

	// Submission guard
	var guard interface {
		Acquire(ctx context.Context, chainPolicyID uint64) (bool, error)
		Release(ctx context.Context, chainPolicyID uint64) error
	}
	if cfg.Guard.Enabled {
		redisGuard, err := oracle.NewSubmissionGuard(cfg.Guard.GuardConfig)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisGuard.Close()
		guard = redisGuard
	} else {
		slog.Warn("redis guard disabled, using in-process submission guard")
		guard = oracle.NewLocalGuard(cfg.Guard.TTL)
	}

	// Lifecycle notifications, best-effort
	var notifier listener.Notifier
	if cfg.NATS.Enabled {
		natsClient, err := natsx.Connect(ctx, cfg.NATS.Config, logger)
		if err != nil {
			slog.Warn("failed to connect to NATS, notifications disabled", "error", err)
		} else {
			defer natsClient.Close()
			publisher, err := natsx.NewPublisher(ctx, natsClient)
			if err != nil {
				slog.Warn("failed to prepare notification stream, notifications disabled", "error", err)
			} else {
				notifier = publisher
			}
		}
	}

	// Event source adapters
	sources, err := buildSources(cfg.Adapters, logger)
	if err != nil {
		slog.Error("failed to configure event sources", "error", err)
		os.Exit(1)
	}
	if len(sources) == 0 {
		slog.Warn("no event sources enabled, reconciliation will only expire policies")
	}

	// Core components
	engine := oracle.NewEngine(cfg.Engine, policies, chainClient, guard, sources, logger)
	scheduler := oracle.NewScheduler(cfg.Scheduler, engine, logger)
	projector := listener.NewProjector(policies, claims, notifier, logger)
	eventListener := listener.New(chainClient, projector, logger)
	purchases := purchase.NewService(policies, chainClient, logger)

	server := api.NewServer(cfg.API, policies, claims, engine, projector, logger)
	server.EnablePurchases(policies, purchases)
	server.AddHealthCheck("database", db.Health)
	server.AddHealthCheck("chain", chainClient.Health)

	// Run everything until a signal or the first fatal error.
	errCh := make(chan error, 3)
	go func() { errCh <- scheduler.Run(ctx) }()
	go func() { errCh <- eventListener.Run(ctx) }()
	go func() { errCh <- server.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			slog.Error("component failed", "error", err)
		}
	}
	cancel()

	// Give the remaining components a moment to wind down.
	shutdownTimer := time.After(15 * time.Second)
	for i := 0; i < cap(errCh); i++ {
		select {
		case <-errCh:
		case <-shutdownTimer:
			slog.Warn("shutdown timed out")
			i = cap(errCh)
		}
	}

	slog.Info("policy oracle shutdown complete")
}

func buildSources(cfg config.AdaptersSection, logger *slog.Logger) ([]adapter.Source, error) {
	var sources []adapter.Source

	if cfg.Flight.Enabled {
		src, err := flight.New(flight.Config{
			BaseURL: cfg.Flight.BaseURL,
			Timeout: cfg.Flight.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if cfg.Baggage.Enabled {
		src, err := baggage.New(baggage.Config{
			BaseURL: cfg.Baggage.BaseURL,
			Timeout: cfg.Baggage.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if cfg.Booking.Enabled {
		src, err := booking.New(booking.Config{
			BaseURL: cfg.Booking.BaseURL,
			Timeout: cfg.Booking.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	return sources, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
