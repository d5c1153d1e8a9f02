// Package app wires the shared runtime used by both the server and the worker
// binaries: stores, cache, queue, inference provider and pipeline handlers.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/lawsignal/internal/ai"
	"github.com/kiranshivaraju/lawsignal/internal/cache"
	"github.com/kiranshivaraju/lawsignal/internal/config"
	"github.com/kiranshivaraju/lawsignal/internal/extract"
	"github.com/kiranshivaraju/lawsignal/internal/jobstatus"
	"github.com/kiranshivaraju/lawsignal/internal/ocr"
	"github.com/kiranshivaraju/lawsignal/internal/pipeline"
	"github.com/kiranshivaraju/lawsignal/internal/queue"
	"github.com/kiranshivaraju/lawsignal/internal/store"
	"github.com/kiranshivaraju/lawsignal/internal/translate"
	"github.com/kiranshivaraju/lawsignal/internal/worker"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// App is the connected runtime. Close releases everything New opened.
type App struct {
	Config *config.Config

	DB       *pgxpool.Pool
	Postgres *store.PostgresStore
	Cache    *cache.RedisCache
	// StatusBackend is the durable status store; Status adds the Redis read-through.
	StatusBackend store.StatusStore
	Status        *jobstatus.CachedStore
	Queue         queue.Queue
	AI            models.AIProvider

	closers []io.Closer
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// New connects to Postgres (applying migrations), Redis and the configured
// status backend, and builds the queue and inference provider.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.DB, err = store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, closeFunc(func() error { a.DB.Close(); return nil }))
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied", "dir", cfg.Database.MigrationsDir)
	a.Postgres = store.NewPostgresStore(a.DB, cfg.StatusStore.Retention)

	a.Cache, err = cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.closers = append(a.closers, a.Cache)
	if err := a.Cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	switch cfg.StatusStore.Driver {
	case "sqlite":
		sq, err := store.NewSQLiteStore(cfg.StatusStore.SQLitePath, cfg.StatusStore.Retention)
		if err != nil {
			return nil, fmt.Errorf("open sqlite status store: %w", err)
		}
		a.closers = append(a.closers, closeFunc(sq.Close))
		a.StatusBackend = sq
	default:
		a.StatusBackend = a.Postgres
	}
	a.Status = jobstatus.NewCachedStore(a.StatusBackend, a.Cache, cfg.StatusStore.CacheTTL)
	slog.Info("status store ready", "driver", cfg.StatusStore.Driver, "retention", cfg.StatusStore.Retention)

	switch cfg.Queue.Driver {
	case "memory":
		a.Queue = queue.NewMemoryQueue(cfg.Queue.MemoryCapacity)
	default:
		a.Queue = queue.NewRedisQueue(a.Cache.Client(), cfg.Queue.Name, cfg.Queue.Lease)
	}
	slog.Info("queue ready", "driver", cfg.Queue.Driver, "name", cfg.Queue.Name)

	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	a.AI = ai.NewService(provider, cfg.AI.InferenceTimeout)
	slog.Info("AI provider initialized", "provider", provider.Name(), "timeout", cfg.AI.InferenceTimeout)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// PipelineDeps builds the collaborators of the four job handlers.
func (a *App) PipelineDeps() (pipeline.Deps, error) {
	cfg := a.Config

	var translator pipeline.Translator
	if cfg.Translate.Enabled {
		opts, err := translate.OptionsFromConfig(cfg.Translate)
		if err != nil {
			return pipeline.Deps{}, fmt.Errorf("translator options: %w", err)
		}
		var backend translate.Backend = translate.NewAIBackend(a.AI)
		if cfg.Translate.CacheTTL > 0 {
			backend = translate.NewCachedBackend(backend, a.Cache, cfg.Translate.CacheTTL)
		}
		translator = translate.New(backend, opts)
	}

	var objects extract.ObjectFetcher
	if cfg.ObjectStore.BaseURL != "" {
		objects = extract.NewHTTPObjectFetcher(cfg.ObjectStore.BaseURL, cfg.ObjectStore.Timeout)
	}
	var ocrClient ocr.Client
	policy := ocr.DefaultPolicy()
	if cfg.OCR.BaseURL != "" {
		ocrClient = ocr.NewHTTPClient(cfg.OCR.BaseURL, cfg.OCR.Timeout)
	}
	if cfg.OCR.MaxWait > 0 {
		policy.MaxWait = cfg.OCR.MaxWait
	}

	return pipeline.Deps{
		AI:          a.AI,
		Translator:  translator,
		Extractors:  extract.NewRegistry(objects, ocrClient, policy),
		Companies:   a.Postgres,
		Analyses:    a.Postgres,
		Taxonomy:    pipeline.NewTaxonomy(cfg.Worker.DomainTagsPath),
		AnalysisTTL: cfg.StatusStore.Retention,
	}, nil
}

// Worker builds the consumer pool and its maintenance schedule.
func (a *App) Worker(logger *slog.Logger) (*worker.Pool, *worker.Maintenance, error) {
	cfg := a.Config
	deps, err := a.PipelineDeps()
	if err != nil {
		return nil, nil, err
	}
	if _, err := deps.Taxonomy.Tags(); err != nil {
		return nil, nil, fmt.Errorf("load domain tags: %w", err)
	}

	runner := worker.NewRunner(a.Status, pipeline.NewRegistry(deps), logger)
	pool := worker.NewPool(a.Queue, runner, worker.PoolOptions{
		Concurrency:     cfg.Worker.Concurrency,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		Logger:          logger,
	})

	sweeps := map[string]worker.Sweeper{
		"job_status":     a.StatusBackend.DeleteExpired,
		"saved_analyses": a.Postgres.DeleteExpiredAnalyses,
	}
	maint, err := worker.NewMaintenance(a.Queue, cfg.Worker.ReaperSchedule, sweeps, cfg.Worker.SweepSchedule, logger)
	if err != nil {
		return nil, nil, err
	}
	return pool, maint, nil
}
