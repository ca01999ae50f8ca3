// Kestrel - Risk scoring for Turkish accounting data.
// Copyright (c) 2026 DefterLab
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

	"github.com/defterlab/kestrel/internal/alerting"
	"github.com/defterlab/kestrel/internal/api"
	"github.com/defterlab/kestrel/internal/bus"
	"github.com/defterlab/kestrel/internal/cache"
	"github.com/defterlab/kestrel/internal/domain"
	"github.com/defterlab/kestrel/internal/registry"
	"github.com/defterlab/kestrel/internal/repository"
	"github.com/defterlab/kestrel/internal/scoring"
	"github.com/defterlab/kestrel/internal/worker"
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

	// Initialize Rule Registry
	reg, err := registry.New()
	if err != nil {
		slog.Error("failed to initialize rule registry", "error", err)
		os.Exit(1)
	}

	// Builtin rules are seeded into the database on first boot; after
	// that the database is authoritative so API edits survive restarts.
	if err := loadRules(ctx, repo, reg); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule registry initialized", "rules_count", reg.RulesCount())

	// Initialize Alert Manager
	alerts := alerting.NewManager(repo, busImpl, cfg.Scoring)
	slog.Info("alert manager initialized",
		"dedup_window", cfg.Scoring.DedupWindow,
	)

	// Initialize Scoring Runner
	runner := scoring.NewRunner(repo, cacheImpl, busImpl, reg, alerts, cfg.Detector, cfg.Scoring)
	slog.Info("scoring runner initialized",
		"run_timeout", cfg.Scoring.RunTimeout,
	)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, cacheImpl, runner)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, id := range strings.Split(envTenants, ",") {
				if id = strings.TrimSpace(id); id != "" {
					tenantIDs = append(tenantIDs, id)
				}
			}
		}

		batchInterval := 24 * time.Hour
		if env := os.Getenv("KESTREL_BATCH_INTERVAL"); env != "" {
			if d, err := time.ParseDuration(env); err == nil && d > 0 {
				batchInterval = d
			} else {
				slog.Warn("invalid KESTREL_BATCH_INTERVAL, using default", "value", env)
			}
		}

		workerCfg := worker.Config{
			TenantIDs:     tenantIDs,
			BatchInterval: batchInterval,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, reg, runner, alerts, Version, cfg.Tier)

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

// loadRules loads the rule set from the database, seeding the builtin
// rules on an empty installation.
func loadRules(ctx context.Context, repo domain.Repository, reg *registry.Registry) error {
	dbRules, err := repo.ListRules(ctx, api.GlobalTenantID)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	if len(dbRules) == 0 {
		slog.Info("empty rule table, seeding builtin rules")
		for _, rule := range registry.DefaultRules() {
			if err := repo.SaveRule(ctx, api.GlobalTenantID, rule); err != nil {
				return fmt.Errorf("seed rule %s: %w", rule.Code, err)
			}
		}
		return reg.Load(registry.DefaultRules())
	}

	slog.Info("loading rules from database", "count", len(dbRules))
	return reg.Load(dbRules)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               KESTREL                     ║")
	fmt.Println("  ║       Risk & Fraud Scoring Engine         ║")
	fmt.Println("  ║    Every document, weighed and watched.   ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /documents                          - Ingest and score a document")
	fmt.Println("    GET  /documents/{id}                     - Get document by ID")
	fmt.Println("    GET  /scores/{id}                        - Get score snapshot by ID")
	fmt.Println("    GET  /subjects/{kind}/{id}/scores        - Score history for a subject")
	fmt.Println("    GET  /subjects/{kind}/{id}/scores/latest - Latest score for a subject")
	fmt.Println("    POST /companies/{id}/score               - Score a company")
	fmt.Println("    POST /batch/score                        - Score every company in a tenant")
	fmt.Println("    GET  /alerts                             - List alerts")
	fmt.Println("    POST /alerts/{id}/acknowledge            - Acknowledge an alert")
	fmt.Println("    POST /alerts/{id}/resolve                - Resolve an alert")
	fmt.Println("    POST /alerts/{id}/ignore                 - Ignore an alert")
	fmt.Println("    GET  /rules                              - List all rules")
	fmt.Println("    POST /rules                              - Create a new rule")
	fmt.Println("    POST /rules/reload                       - Hot-reload rules from database")
	fmt.Println("    GET  /reports/top-rules                  - Most-triggered rules report")
	fmt.Println("    GET  /health                             - Health check")
	fmt.Println()
}
