// Kestrel - Real-time fraud scoring for payment transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration first; the logger shape depends on it
	cfg := domain.LoadConfig()
	setupLogger(cfg.Logging)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", cfg.Profile,
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

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Audit ledger over the repository
	auditLedger := ledger.New(repo)

	// Model registry: load the catalog, seeding the built-in ensemble on
	// first boot
	modelRegistry := registry.New(repo, auditLedger)
	if err := modelRegistry.Load(ctx); err != nil {
		slog.Error("failed to load model registry", "error", err)
		os.Exit(1)
	}
	snap := modelRegistry.Snapshot()
	slog.Info("model registry initialized",
		"active_models", len(snap.Models),
		"ensemble_version", snap.Version)

	// Decision policy: latest installed version, seeding the default on
	// first boot
	policyEngine, err := policy.NewEngine(repo, auditLedger)
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	if err := policyEngine.Load(ctx); err != nil {
		slog.Error("failed to load policy", "error", err)
		os.Exit(1)
	}
	slog.Info("policy engine initialized", "version", policyEngine.Current().Version)

	// Velocity counters and historical baselines feed feature assembly
	velocityTracker := velocity.NewTracker(repo, cacheImpl)
	historyProvider := history.NewProvider(repo, cacheImpl, velocityTracker,
		time.Duration(cfg.History.LookbackDays)*24*time.Hour,
		cfg.History.CacheTTL)

	stats := metrics.NewTracker()

	// Async worker: event consumers plus the ledger retention sweep
	asyncWorker := worker.New(busImpl, auditLedger, historyProvider, worker.Config{
		RetentionDays: cfg.Ledger.RetentionDays,
		SweepInterval: cfg.Ledger.SweepInterval,
	})
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Runtime gauges for the /metrics surface
	if statser, ok := repo.(metrics.DBStatser); ok {
		go metrics.StartRuntimeCollector(ctx, statser, 15*time.Second)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Ledger:    auditLedger,
		Registry:  modelRegistry,
		Policy:    policyEngine,
		History:   historyProvider,
		Velocity:  velocityTracker,
		Assembler: feature.NewAssembler(),
		Scorer:    ensemble.NewScorer(cfg.Scoring.ModelTimeout, cfg.Scoring.MaxConcurrent),
		Ranker:    explain.NewRanker(cfg.Explain.TopFactors),
		Stats:     stats,
		Version:   Version,
	})

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

	// Stop the worker first so in-flight consumers drain
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// setupLogger installs the process-wide structured logger.
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
	fmt.Println("  ║      Real-Time Fraud Scoring Engine       ║")
	fmt.Println("  ║      Every transaction, explained.        ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score                    - Score a transaction")
	fmt.Println("    GET  /decisions/{id}           - Get decision by transaction ID")
	fmt.Println("    GET  /transactions/{id}        - Get transaction by ID")
	fmt.Println("    GET  /audit/events             - Query the audit ledger")
	fmt.Println("    GET  /audit/verify             - Verify a hash chain")
	fmt.Println("    GET  /models                   - List model catalog")
	fmt.Println("    POST /models                   - Import a trained model")
	fmt.Println("    POST /models/{id}/activate     - Add model to the ensemble")
	fmt.Println("    POST /models/{id}/deactivate   - Remove model from the ensemble")
	fmt.Println("    GET  /policy                   - Get the decision policy")
	fmt.Println("    PUT  /policy                   - Install a new policy version")
	fmt.Println("    GET  /stats                    - Operational statistics")
	fmt.Println("    GET  /metrics                  - Prometheus metrics")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println()
}
