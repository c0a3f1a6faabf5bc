package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/adapter/broadcast"
	llmhttp "github.com/llmlb/llmlb/internal/adapter/http"
	"github.com/llmlb/llmlb/internal/adapter/ristretto"
	"github.com/llmlb/llmlb/internal/adapter/sqlite"
	"github.com/llmlb/llmlb/internal/auditsvc"
	"github.com/llmlb/llmlb/internal/authsvc"
	"github.com/llmlb/llmlb/internal/benchmark"
	"github.com/llmlb/llmlb/internal/config"
	"github.com/llmlb/llmlb/internal/dispatcher"
	"github.com/llmlb/llmlb/internal/domain/history"
	"github.com/llmlb/llmlb/internal/healthcheck"
	"github.com/llmlb/llmlb/internal/historysvc"
	"github.com/llmlb/llmlb/internal/loadmanager"
	"github.com/llmlb/llmlb/internal/logger"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/middleware"
	"github.com/llmlb/llmlb/internal/provider"
	"github.com/llmlb/llmlb/internal/registry"
	"github.com/llmlb/llmlb/internal/resilience"
	"github.com/llmlb/llmlb/internal/secrets"
)

func main() {
	// Temporary bootstrap logger until config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, yamlPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	defer closer.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"config_path", yamlPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"db_path", cfg.Database.Path,
	)

	lockPath := filepath.Join(cfg.Database.DataDir, "llmlbd.lock")
	lock, err := acquireLock(lockPath, cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("server lock: %w", err)
	}
	defer lock.release()

	ctx := context.Background()

	// --- Persistent store (C1) ---

	db, err := sqlite.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	archive, err := sqlite.OpenArchive(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("sqlite archive: %w", err)
	}
	store := sqlite.NewStore(db, archive)
	slog.Info("sqlite store opened", "path", cfg.Database.Path, "archive_path", cfg.Database.ArchivePath)

	// --- Endpoint registry (C2) ---

	l1, err := ristretto.New(int64(cfg.Cache.L1MaxSizeMB) << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	reg := registry.New(store, l1)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("registry load: %w", err)
	}
	slog.Info("registry loaded", "endpoints", reg.Count())

	// --- Load manager (C5), reseeded from recent history so per-minute
	// TPS/request-rate windows survive a restart (spec §4.4) ---

	lm := loadmanager.New(loadmanager.Config{
		Mode:         loadmanager.Mode(cfg.LoadBalancer.Mode),
		SoftCap:      cfg.LoadBalancer.SoftCap,
		HardCap:      cfg.LoadBalancer.HardCap,
		DelayUnit:    cfg.LoadBalancer.DelayUnit,
		DelayCeiling: cfg.LoadBalancer.DelayCeiling,
	}, reg)

	since := time.Now().Add(-time.Duration(cfg.LoadBalancer.HistoryWindow) * time.Minute)
	var recent []history.Record
	if err := store.StreamHistoryForExport(ctx, history.Filter{Since: &since}, func(r history.Record) error {
		recent = append(recent, r)
		return nil
	}); err != nil {
		slog.Warn("history reseed query failed, starting with empty history ring", "error", err)
	} else {
		lm.ReseedHistory(recent)
		slog.Info("load manager history reseeded", "records", len(recent))
	}

	// --- Secrets (provider API keys, preferring env over YAML) ---

	vault, err := secrets.NewVault(secrets.EnvLoader("OPENAI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY"))
	if err != nil {
		return fmt.Errorf("secrets vault: %w", err)
	}

	// --- Cloud provider adapters (C7), each wrapped in its own breaker ---

	providers := map[provider.Prefix]*provider.Client{}
	if key := firstNonEmpty(vault.Get("OPENAI_API_KEY"), cfg.Providers.OpenAI.APIKey); key != "" {
		adapter := provider.NewOpenAIAdapter(cfg.Providers.OpenAI.BaseURL, key)
		providers[provider.PrefixOpenAI] = provider.NewClient(adapter, &http.Client{}, resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	}
	if key := firstNonEmpty(vault.Get("GOOGLE_API_KEY"), cfg.Providers.Google.APIKey); key != "" {
		adapter := provider.NewGoogleAdapter(cfg.Providers.Google.BaseURL, key)
		providers[provider.PrefixGoogle] = provider.NewClient(adapter, &http.Client{}, resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	}
	if key := firstNonEmpty(vault.Get("ANTHROPIC_API_KEY"), cfg.Providers.Anthropic.APIKey); key != "" {
		adapter := provider.NewAnthropicAdapter(cfg.Providers.Anthropic.BaseURL, key)
		providers[provider.PrefixAnthropic] = provider.NewClient(adapter, &http.Client{}, resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	}
	slog.Info("cloud providers configured", "count", len(providers))

	// --- Health checker (C3) ---

	threshold := cfg.HealthCheck.DegradedThreshold
	if threshold <= 0 {
		threshold = healthcheck.DefaultDegradedToOfflineThreshold
	}
	bcast := broadcast.New(log)
	checker := healthcheck.New(store, reg, healthcheck.NewHTTPProber(nil), bcast, log, uuid.NewString, time.Now, threshold)
	if err := checker.Start(ctx); err != nil {
		return fmt.Errorf("health checker start: %w", err)
	}
	slog.Info("health checker started")

	// --- Auth (C10) ---

	auth, err := authsvc.New(store, cfg.Auth, log)
	if err != nil {
		return fmt.Errorf("authsvc: %w", err)
	}
	if err := auth.BootstrapAdmin(ctx); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	// --- Background services (C8, C9), each cancellable on shutdown ---

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	hist := historysvc.New(store, historysvc.Config{
		RetentionDays:  cfg.History.RetentionDays,
		ExportPageSize: cfg.History.ExportPageSize,
	}, log, time.Now)
	go hist.RunRetentionSweep(bgCtx)
	go hist.RunMidnightLog(bgCtx)

	metricsReg := metrics.New()

	audit := auditsvc.New(store, auditsvc.Config{
		BufferCapacity:   cfg.Audit.BufferCapacity,
		FlushInterval:    cfg.Audit.FlushInterval,
		BatchInterval:    cfg.Audit.BatchInterval,
		VerifyInterval:   cfg.Audit.VerifyInterval,
		ArchivalInterval: cfg.Audit.ArchivalInterval,
		RetentionDays:    cfg.Audit.RetentionDays,
	}, log, metricsReg, time.Now, uuid.NewString)
	go audit.Run(bgCtx)

	// --- TPS benchmark runner (§4.10) ---

	bench := benchmark.New(reg, nil, log, time.Now, uuid.NewString, benchmark.Config{})

	// --- Dispatcher (C6) ---

	disp := dispatcher.New(lm, providers, hist, audit, nil, dispatcher.Config{})

	// --- HTTP surface ---

	handlers := &llmhttp.Handlers{
		Dispatcher: disp,
		Auth:       auth,
		Benchmarks: bench,
		Metrics:    metricsReg,
		Limits:     llmhttp.DefaultLimits(),
	}

	r := chi.NewRouter()
	r.Use(llmhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", healthHandler(cfg, reg))

	rl := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopRateLimiterCleanup := rl.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	llmhttp.MountRoutes(r, handlers, auth, cfg.Auth.Disabled, rl)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done

	// --- Ordered graceful shutdown ---

	slog.Info("shutdown phase 1: stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("shutdown phase 2: stopping health checker and background services")
	checker.StopAll()
	bgCancel()
	stopRateLimiterCleanup()

	slog.Info("shutdown phase 3: closing database")
	if err := store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// healthHandler reports liveness and the current endpoint registry size.
func healthHandler(cfg *config.Config, reg *registry.Registry) http.HandlerFunc {
	type healthStatus struct {
		Status    string `json:"status"`
		Endpoints int    `json:"endpoints"`
		DBPath    string `json:"db_path"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{Status: "ok", Endpoints: reg.Count(), DBPath: cfg.Database.Path}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
