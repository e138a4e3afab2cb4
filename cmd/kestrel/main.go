// Kestrel - Real-time card fraud risk scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"config", *configPath,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize assessment cache
	assessmentCache, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer assessmentCache.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize account state store
	store := account.NewStore(cfg.Account)
	slog.Info("account store initialized",
		"history_size", cfg.Account.HistorySize,
		"max_accounts", cfg.Account.MaxAccounts,
	)

	// Build detectors
	detectors, err := detector.BuildAll(cfg.Detectors)
	if err != nil {
		slog.Error("failed to build detectors", "error", err)
		os.Exit(1)
	}
	slog.Info("detectors initialized", "count", len(detectors))

	// Alerts go to the repository and the event bus
	sink := alert.MultiSink{
		domain.SinkFunc(repo.SaveAlert),
		bus.AlertSink(eventBus),
	}
	emitter := alert.NewEmitter(sink, cfg.Alerts)
	defer emitter.Close()
	slog.Info("alert emitter initialized", "queue_size", cfg.Alerts.QueueSize)

	// Initialize Engine
	eng := engine.New(cfg.Engine, store, detectors, emitter, engine.Options{
		Repository:      repo,
		AssessmentCache: assessmentCache,
		CacheTTL:        time.Hour,
		EventBus:        eventBus,
	})
	slog.Info("engine initialized",
		"max_concurrent", cfg.Engine.MaxConcurrent,
		"fraud_threshold", cfg.Engine.FraudThreshold,
		"high_risk_threshold", cfg.Engine.HighRiskThreshold,
	)

	// Initialize Server
	srv := api.NewServer(cfg.Server, eng, repo, assessmentCache, eventBus, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Drain pending alerts before exiting
	if err := emitter.Close(); err != nil {
		slog.Error("failed to close alert emitter", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func setupLogger(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Card Fraud Risk Scoring Engine       ║")
	fmt.Println("  ║      Every transaction, weighed.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /evaluate            - Score a transaction")
	fmt.Println("    GET    /assessments/{id}    - Get assessment by ID")
	fmt.Println("    GET    /transactions/{id}   - Get transaction by ID")
	fmt.Println("    GET    /alerts              - List alerts")
	fmt.Println("    GET    /alerts/{id}         - Get alert by ID")
	fmt.Println("    POST   /alerts/{id}/status  - Update alert status")
	fmt.Println("    GET    /accounts/stats      - Account store statistics")
	fmt.Println("    DELETE /accounts/{id}       - Evict account history")
	fmt.Println("    GET    /health              - Health check")
	fmt.Println()
}
