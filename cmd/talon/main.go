// Talon - Compromised-account triage you can explain.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/talon/internal/api"
	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/cache"
	"github.com/opensource-finance/talon/internal/config"
	"github.com/opensource-finance/talon/internal/decision"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/graphsvc"
	"github.com/opensource-finance/talon/internal/metrics"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/rules"
	"github.com/opensource-finance/talon/internal/signals"
	"github.com/opensource-finance/talon/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("TALON_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting talon",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"graph_service", cfg.Graph.BaseURL != "",
	)

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		slog.Info("trace propagation enabled", "service", cfg.Tracing.ServiceName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	factCache, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer factCache.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "fact_ttl", cfg.Cache.FactTTL)

	// Initialize EventBus
	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Signals: warehouse, optional graph service, known-facts overrides, fact cache
	providerOpts := []signals.ProviderOption{
		signals.WithCache(factCache, cfg.Cache.FactTTL),
		signals.WithMetrics(m),
	}
	if cfg.Graph.BaseURL != "" {
		providerOpts = append(providerOpts, signals.WithGraphSource(graphsvc.New(cfg.Graph, nil)))
		slog.Info("graph service configured", "base_url", cfg.Graph.BaseURL)
	}
	if cfg.OverridesPath != "" {
		overrides, err := signals.LoadOverrides(cfg.OverridesPath)
		if err != nil {
			slog.Error("failed to load fact overrides", "path", cfg.OverridesPath, "error", err)
			os.Exit(1)
		}
		providerOpts = append(providerOpts, signals.WithOverrides(overrides))
		slog.Info("fact overrides loaded", "accounts", overrides.Len())
	}
	provider := signals.NewProvider(repo, providerOpts...)

	engine := decision.NewEngine(cfg.Engine, decision.WithMetrics(m))
	slog.Info("decision engine initialized",
		"new_account_max_age_days", cfg.Engine.NewAccountMaxAgeDays,
		"flagged_pct_threshold", cfg.Engine.FlaggedPercentageThreshold,
		"fast_withdrawal_threshold", cfg.Engine.FastWithdrawalThreshold,
	)

	reviewRules, err := rules.NewEngine(100, m)
	if err != nil {
		slog.Error("failed to initialize review rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadReviewRules(ctx, repo, reviewRules, cfg.Worker.TenantIDs); err != nil {
		slog.Error("failed to load review rules", "error", err)
		os.Exit(1)
	}
	slog.Info("review rule engine initialized", "rules_count", reviewRules.RulesCount())

	// Initialize async Worker
	var caseWorker *worker.Worker
	if cfg.Worker.Enabled {
		caseWorker = worker.NewWorker(eventBus, engine, provider, reviewRules)
		if err := caseWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			slog.Error("failed to start case worker", "error", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Repo:     repo,
		Cache:    factCache,
		Bus:      eventBus,
		Engine:   engine,
		Signals:  provider,
		Rules:    reviewRules,
		Gatherer: reg,
		Version:  Version,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("talon is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the worker first so in-flight cases can still publish.
	if caseWorker != nil {
		if err := caseWorker.Stop(); err != nil {
			slog.Error("failed to stop case worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("talon shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("TALON_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadReviewRules loads the built-in rules, then the stored global rules and
// the stored rules of every configured tenant. Other tenants load theirs
// through POST /rules/reload.
func loadReviewRules(ctx context.Context, repo domain.Repository, engine *rules.Engine, tenantIDs []string) error {
	if err := engine.LoadRules(rules.BuiltinRules()); err != nil {
		return fmt.Errorf("builtin rules: %w", err)
	}

	for _, tenantID := range append([]string{rules.GlobalTenantID}, tenantIDs...) {
		stored, err := repo.ListReviewRules(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list review rules", "tenant_id", tenantID, "error", err)
			continue
		}
		if err := engine.LoadRules(stored); err != nil {
			return fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		if len(stored) > 0 {
			slog.Info("review rules loaded", "tenant_id", tenantID, "count", len(stored))
		}
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                  TALON                    |")
	fmt.Println("  |     Compromised-Account Triage Engine     |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /accounts/{id}/evaluate - Decide one account")
	fmt.Println("    PUT    /accounts/{id}/facts    - Store account facts")
	fmt.Println("    POST   /evaluate/batch         - Decide a list of accounts")
	fmt.Println("    POST   /cases                  - Queue a case for the worker")
	fmt.Println("    POST   /analyze/graph          - Shared-resource analysis")
	fmt.Println("    POST   /analyze/velocity       - Withdrawal velocity analysis")
	fmt.Println("    POST   /analyze/decision       - Decide over supplied facts")
	fmt.Println("    GET    /rules                  - List review rules")
	fmt.Println("    POST   /rules                  - Create a review rule")
	fmt.Println("    DELETE /rules/{id}             - Delete a review rule")
	fmt.Println("    POST   /rules/reload           - Hot-reload review rules")
	fmt.Println("    GET    /health                 - Health check")
	fmt.Println("    GET    /metrics                - Prometheus metrics")
	fmt.Println()
}
