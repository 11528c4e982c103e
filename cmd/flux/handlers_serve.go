package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/flux/internal/audit"
	"github.com/haasonsaas/flux/internal/auth"
	"github.com/haasonsaas/flux/internal/backup"
	"github.com/haasonsaas/flux/internal/config"
	"github.com/haasonsaas/flux/internal/engine"
	"github.com/haasonsaas/flux/internal/knowledge"
	"github.com/haasonsaas/flux/internal/llm"
	"github.com/haasonsaas/flux/internal/marketplace"
	"github.com/haasonsaas/flux/internal/observability"
	"github.com/haasonsaas/flux/internal/ratelimit"
	"github.com/haasonsaas/flux/internal/retention"
	"github.com/haasonsaas/flux/internal/scheduler"
	"github.com/haasonsaas/flux/internal/server"
	"github.com/haasonsaas/flux/internal/store"
	"github.com/haasonsaas/flux/internal/tools"
	"github.com/haasonsaas/flux/internal/usage"
	"github.com/haasonsaas/flux/internal/webhooks"
)

// usageFile lives at the deployment root so external scripts and the CLI can
// read it without knowing the data dir. The backup archive includes it.
const usageFile = "usage_data.json"

// runServe wires every subsystem together and serves until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	logger.Info(ctx, "starting flux",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
	)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Stores. Each is its own SQLite file so backups and retention can treat
	// them independently.
	auditLog, err := audit.Open(filepath.Join(cfg.Storage.DataDir, "audit.db"))
	if err != nil {
		return err
	}
	defer auditLog.Close()

	users, err := auth.OpenStore(filepath.Join(cfg.Storage.DataDir, "auth.db"))
	if err != nil {
		return err
	}
	defer users.Close()

	convStore, err := store.Open(filepath.Join(cfg.Storage.DataDir, "conversations.db"), logger)
	if err != nil {
		return err
	}
	defer convStore.Close()

	whStore, err := webhooks.Open(filepath.Join(cfg.Storage.DataDir, "webhooks.db"))
	if err != nil {
		return err
	}
	defer whStore.Close()

	usageStore := usage.NewStore(usageFile, usage.Limits{
		DailyCostUSD: cfg.Usage.DailyCostLimitUSD,
		DailyCalls:   cfg.Usage.DailyCallLimit,
	})

	kb, err := knowledge.Open(cfg.Storage.KnowledgeDir, logger)
	if err != nil {
		return err
	}

	// Auth chain: JWT first, then API keys, then the dashboard token.
	jwtMgr := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	resolver := auth.NewResolver(auth.ResolverConfig{
		Enabled:        cfg.Auth.Enabled,
		DefaultUser:    cfg.Auth.DefaultUser,
		DashboardToken: cfg.Auth.DashboardToken,
	}, users, jwtMgr, auditLog)

	// Tool registry with the Python runner and the gate pipeline.
	registry := tools.NewRegistry(tools.RegistryConfig{
		Dir:     cfg.Tools.Dir,
		Timeout: cfg.Tools.Timeout,
		Runner:  tools.NewPythonRunner(cfg.Tools.PythonBin),
		Logger:  logger,
	})
	if _, err := registry.ReloadIfChanged(ctx); err != nil {
		logger.Warn(ctx, "initial tool scan failed", "error", err.Error())
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	eng := engine.New(provider, registry, llm.NewCostTracker(logger, nil), usageStore, metrics, logger, engine.Config{
		MaxToolRounds: cfg.LLM.MaxToolRounds,
		MaxHistory:    cfg.Storage.MaxHistoryMessages,
		MaxTokens:     cfg.LLM.MaxTokens,
		SystemPrompt:  cfg.LLM.SystemPrompt,
		Restricted:    cfg.Tools.Restricted,
	})

	var dispatcher *webhooks.Dispatcher
	if cfg.Webhooks.Enabled {
		dispatcher = webhooks.NewDispatcher(whStore, webhooks.DispatcherConfig{
			MaxRetries:  cfg.Webhooks.MaxRetries,
			Timeout:     cfg.Webhooks.Timeout,
			BaseBackoff: cfg.Webhooks.BaseBackoff,
		}, logger, metrics)
	}

	marketDir := filepath.Join(cfg.Storage.DataDir, "marketplace")
	market := marketplace.New(marketplace.Config{
		RegistryPath:  filepath.Join(marketDir, "registry.json"),
		InstalledPath: filepath.Join(marketDir, "installed.json"),
		CacheDir:      filepath.Join(marketDir, "cache"),
		ToolsDir:      cfg.Tools.Dir,
		Logger:        logger,
	}, registry.Approvals())

	sched, err := scheduler.New(filepath.Join(cfg.Storage.DataDir, "schedule.json"), taskExecutor(eng, registry), logger)
	if err != nil {
		return err
	}

	backups := backup.New(".", cfg.Storage.BackupDir, logger)
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window)

	srv := server.New(server.Config{
		Engine:           eng,
		Store:            convStore,
		Resolver:         resolver,
		Users:            users,
		JWT:              jwtMgr,
		RefreshTTL:       cfg.Auth.RefreshExpiry,
		Limiter:          limiter,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		Webhooks:         whStore,
		Dispatcher:       dispatcher,
		Usage:            usageStore,
		Registry:         registry,
		Market:           market,
		Knowledge:        kb,
		Scheduler:        sched,
		Backups:          backups,
		Audit:            auditLog,
		Metrics:          metrics,
		Logger:           logger,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		MaxHistory:       cfg.Storage.MaxHistoryMessages,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)
	go reloadLoop(ctx, registry, logger)
	go limiterCleanupLoop(ctx, limiter)
	if cfg.Retention.Enabled {
		mgr, err := buildRetention(cfg, convStore, auditLog, whStore, logger)
		if err != nil {
			return err
		}
		go retentionLoop(ctx, mgr, cfg.Retention.Interval, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown incomplete", "error", err.Error())
	}
	if dispatcher != nil {
		// Let in-flight webhook deliveries finish their retry budget.
		dispatcher.Wait()
	}
	return nil
}

// buildProvider selects the LLM adapter from config, falling back to the
// conventional environment variables for credentials.
func buildProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		key := cfg.LLM.AnthropicAPIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	case "openai":
		key := cfg.LLM.OpenAIAPIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// taskExecutor bridges scheduled tasks to the engine and the tool registry.
func taskExecutor(eng *engine.Engine, registry *tools.Registry) scheduler.Executor {
	return scheduler.ExecutorFunc(func(ctx context.Context, task scheduler.Task) (string, error) {
		switch task.Action {
		case "prompt":
			_, result, err := eng.RunTurn(ctx, []llm.Message{llm.UserText(task.Content)}, "scheduler")
			if err != nil {
				return "", err
			}
			return result.Text, nil
		case "tool":
			return registry.Invoke(ctx, task.ToolName, task.ToolArgs), nil
		default:
			return "", fmt.Errorf("unknown task action %q", task.Action)
		}
	})
}

func buildRetention(cfg *config.Config, convStore *store.Store, auditLog *audit.Log, whStore *webhooks.Store, logger *observability.Logger) (*retention.Manager, error) {
	policies := []retention.Policy{
		{Category: retention.CategoryConversations, MaxAgeDays: cfg.Retention.MaxAgeDays, MaxCount: cfg.Retention.MaxCount},
		{Category: retention.CategoryAuditLogs, MaxAgeDays: cfg.Retention.MaxAgeDays, MaxCount: cfg.Retention.MaxCount},
		{Category: retention.CategoryWebhookDeliveries, MaxAgeDays: cfg.Retention.MaxAgeDays, MaxCount: cfg.Retention.MaxCount},
	}
	return retention.New(policies, convStore.DB(), auditLog.DB(), whStore.DB(), logger)
}

// retentionLoop sweeps expired rows on the configured interval. One pass runs
// immediately so a long-stopped server catches up on start.
func retentionLoop(ctx context.Context, mgr *retention.Manager, interval time.Duration, logger *observability.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := mgr.RunCleanup(ctx); err != nil {
			logger.Warn(ctx, "retention cleanup failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reloadLoop picks up tool directory changes so edited or newly dropped tool
// files become callable (or rejected) without a restart.
func reloadLoop(ctx context.Context, registry *tools.Registry, logger *observability.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := registry.ReloadIfChanged(ctx); err != nil {
				logger.Warn(ctx, "tool reload failed", "error", err.Error())
			}
		}
	}
}

func limiterCleanupLoop(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.CleanupStale()
		}
	}
}
