package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"student_insights/backfill"
	"student_insights/config"
	"student_insights/enrich"
	"student_insights/insights"
	"student_insights/internal/events"
	"student_insights/internal/httpapi"
	"student_insights/internal/logger"
	"student_insights/internal/notify"
	"student_insights/internal/pipeline"
	"student_insights/internal/schedule"
	"student_insights/internal/store"
	"student_insights/internal/watch"
	"student_insights/memory"
	"student_insights/metrics"
)

// App wires the run orchestrator to its stores and triggers.
type App struct {
	cfg    config.Config
	log    *logger.Logger
	audit  *store.Store
	memory *memory.Store
	bus    *events.Bus
	orch   *pipeline.Orchestrator
}

// New opens the stores and builds the orchestrator. Nothing is started.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	for _, w := range cfg.Warnings {
		log.Warn("config warning", "detail", w)
	}

	audit, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	backend, err := openBackend(ctx, cfg.Memory)
	if err != nil {
		audit.Close()
		return nil, fmt.Errorf("open memory backend: %w", err)
	}
	mem := memory.NewStore(backend, cfg.Memory.HistoryLimit, log)

	prefs, err := insights.LoadPreferences(cfg.PreferencesPath)
	if err != nil {
		if cfg.StrictConfig {
			audit.Close()
			mem.Close()
			return nil, fmt.Errorf("load preferences: %w", err)
		}
		log.Warn("preferences ignored", "path", cfg.PreferencesPath, "error", err)
		prefs = nil
	}

	enricher, err := enrich.New(ctx, enrich.Settings{
		Enabled:       cfg.Enrichment.Enabled,
		Model:         cfg.Enrichment.Model,
		BaseURL:       cfg.Enrichment.BaseURL,
		APIKey:        cfg.Enrichment.APIKey,
		Temperature:   cfg.Enrichment.Temperature,
		MaxTokens:     cfg.Enrichment.MaxTokens,
		Timeout:       time.Duration(cfg.Enrichment.TimeoutSec) * time.Second,
		PromptVersion: cfg.Enrichment.PromptVersion,
	})
	if err != nil {
		log.Warn("enrichment unavailable, using fallback insights", "error", err)
		enricher = enrich.Disabled{}
	}
	if _, disabled := enricher.(enrich.Disabled); disabled {
		log.Info("enrichment disabled", "enabled", cfg.Enrichment.Enabled, "api_key_set", cfg.Enrichment.APIKey != "")
	}

	bus := events.NewBus()
	deps := pipeline.Deps{
		Audit:       audit,
		Memory:      mem,
		Enricher:    enricher,
		Preferences: prefs,
		Bus:         bus,
		Metrics:     metrics.New(),
		Log:         log,
	}
	if n := notify.New(cfg.Notify); n != nil {
		deps.Notifier = n
	}
	orch := pipeline.New(pipeline.Config{
		InputPath:   cfg.InputPath,
		Workers:     cfg.WorkerCount,
		ItemTimeout: time.Duration(cfg.ItemTimeoutSec) * time.Second,
	}, deps)

	return &App{cfg: cfg, log: log, audit: audit, memory: mem, bus: bus, orch: orch}, nil
}

func openBackend(ctx context.Context, cfg config.MemoryConfig) (memory.Backend, error) {
	if cfg.Backend == "redis" {
		return memory.NewRedisBackend(ctx, cfg.RedisURL, cfg.RedisPrefix)
	}
	return memory.NewFileBackend(cfg.Dir)
}

// Serve starts the configured triggers and the HTTP server and blocks until
// ctx is done or the server fails.
func (a *App) Serve(ctx context.Context) error {
	if a.cfg.Schedule.Cron != "" {
		sched, err := schedule.New(a.cfg.Schedule.Cron, a.orch.Trigger, a.log)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}
	if a.cfg.Schedule.WatchInput {
		if err := watch.New(a.cfg.InputPath, watch.DefaultDebounce, a.orch.Trigger, a.log).Start(ctx); err != nil {
			return fmt.Errorf("watch input: %w", err)
		}
	}

	mux := http.NewServeMux()
	httpapi.NewRouter(ctx, a.orch, a.audit, a.memory, a.bus, a.log).Register(mux)
	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("http listening", "addr", a.cfg.HTTPPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunOnce executes a single batch in the foreground.
func (a *App) RunOnce(ctx context.Context) (pipeline.RunSummary, error) {
	return a.orch.Run(ctx, "cli")
}

// Backfill rebuilds missing student memory from the audit trail.
func (a *App) Backfill(ctx context.Context, limit int) (backfill.Summary, error) {
	return backfill.Run(ctx, backfill.AuditRepository{Audit: a.audit, Memory: a.memory}, limit, a.log)
}

// Close releases the stores.
func (a *App) Close() error {
	return errors.Join(a.memory.Close(), a.audit.Close())
}

func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }
func (a *App) Audit() *store.Store                  { return a.audit }
func (a *App) Memory() *memory.Store                { return a.memory }
