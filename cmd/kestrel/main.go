// Kestrel - Model governance and experimentation for credit scoring.
// Copyright (c) 2025 opensource.credit
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-credit/kestrel/internal/analyzer"
	"github.com/opensource-credit/kestrel/internal/api"
	"github.com/opensource-credit/kestrel/internal/bus"
	"github.com/opensource-credit/kestrel/internal/cache"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/experiment"
	"github.com/opensource-credit/kestrel/internal/exposure"
	"github.com/opensource-credit/kestrel/internal/registry"
	"github.com/opensource-credit/kestrel/internal/repository"
	"github.com/opensource-credit/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
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

	// Initialize Model Registry (includes CEL fraud-rule validation)
	registrySvc, err := registry.NewService(repo, cacheImpl, busImpl)
	if err != nil {
		slog.Error("failed to initialize model registry", "error", err)
		os.Exit(1)
	}
	slog.Info("model registry initialized")

	// Initialize Feature Analyzer
	analyzerSvc := analyzer.New(repo, cfg.Governance)
	slog.Info("feature analyzer initialized",
		"min_sample_size", cfg.Governance.AnalysisMinSampleSize,
		"max_sample_size", cfg.Governance.AnalysisMaxSampleSize,
	)

	// Initialize Experiment Controller
	controller := experiment.NewController(repo, cacheImpl, busImpl, cfg.Governance)
	slog.Info("experiment controller initialized",
		"significance_level", cfg.Governance.SignificanceLevel,
	)

	// Initialize Exposure Service
	exposureSvc := exposure.NewService(repo, cacheImpl)
	slog.Info("exposure service initialized")

	// Initialize async Worker (Pro tier). The worker subscribes per tenant,
	// so async counting is only enabled when KESTREL_TENANTS names the
	// tenants to consume; otherwise outcomes are counted inline and arm
	// counters keep moving.
	asyncOutcomes := cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_OUTCOMES") == "true"
	var asyncWorker *worker.Worker
	if asyncOutcomes {
		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		if len(tenantIDs) == 0 {
			slog.Warn("async outcomes requested but KESTREL_TENANTS is empty, counting outcomes inline")
			asyncOutcomes = false
		} else {
			asyncWorker = worker.NewWorker(busImpl, controller)
			if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
				slog.Error("failed to start async worker, counting outcomes inline", "error", err)
				asyncWorker = nil
				asyncOutcomes = false
			} else {
				slog.Info("async worker started", "tenant_count", len(tenantIDs))
			}
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Repo:          repo,
		Cache:         cacheImpl,
		Bus:           busImpl,
		Registry:      registrySvc,
		Analyzer:      analyzerSvc,
		Controller:    controller,
		Exposure:      exposureSvc,
		Version:       Version,
		AsyncOutcomes: asyncOutcomes,
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

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║    Model Governance & Experimentation     ║")
	fmt.Println("  ║      Every model earns its traffic.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /models                    - Create a model version")
	fmt.Println("    GET  /models/active             - Active model version")
	fmt.Println("    POST /models/{id}/promote       - Promote to production")
	fmt.Println("    GET  /models/compare            - Diff two versions")
	fmt.Println("    POST /experiments               - Create an A/B experiment")
	fmt.Println("    POST /experiments/{id}/start    - Start routing traffic")
	fmt.Println("    GET  /experiments/{id}/results  - Statistical verdict")
	fmt.Println("    POST /assign                    - Route a scoring request")
	fmt.Println("    POST /outcomes                  - Record a loan outcome")
	fmt.Println("    POST /analyze                   - Feature performance run")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
