// Package main is the entrypoint for the LawSignal API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/api"
	"github.com/kiranshivaraju/lawsignal/internal/api/handler"
	mw "github.com/kiranshivaraju/lawsignal/internal/api/middleware"
	"github.com/kiranshivaraju/lawsignal/internal/app"
	"github.com/kiranshivaraju/lawsignal/internal/chat"
	"github.com/kiranshivaraju/lawsignal/internal/config"
	"github.com/kiranshivaraju/lawsignal/internal/jobstatus"
	"github.com/kiranshivaraju/lawsignal/internal/queue"
	"github.com/kiranshivaraju/lawsignal/internal/session"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env,
		"queue", cfg.Queue.Driver, "embedded_worker", cfg.Worker.Embedded)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect stores, cache, queue and AI provider
	rt, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	// 3. Build services
	dispatcher := queue.NewDispatcher(rt.Queue, rt.Status)
	poller := jobstatus.NewPoller(rt.Status, 0)
	sessions := session.NewManager(
		session.NewRedisStore(rt.Cache),
		session.NewAISummarizer(rt.AI),
		session.Options{
			TTL:         cfg.Session.TTL,
			SummaryWait: cfg.Session.SummaryWait,
		},
	)
	chatService := chat.NewService(rt.AI, sessions, rt.Postgres)

	// 4. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(rt.Cache, cfg.Server.RateLimitPerMinute),

		HealthHandler: handler.NewHealthHandler(rt.Postgres, rt.Cache),
		SubmitHandler: handler.NewSubmitHandler(dispatcher),
		StatusHandler: handler.NewStatusHandler(poller),
		ChatHandler:   handler.NewChatHandler(chatService),
	})

	// 5. Start the embedded worker when configured
	var wg sync.WaitGroup
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	if cfg.Worker.Embedded {
		pool, maint, err := rt.Worker(slog.Default())
		if err != nil {
			return fmt.Errorf("build worker: %w", err)
		}
		maint.Start()
		defer maint.Stop(context.Background())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(workerCtx); err != nil {
				slog.Error("embedded worker stopped", "error", err)
			}
		}()
		slog.Info("embedded worker started", "concurrency", cfg.Worker.Concurrency)
	}

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stopWorker()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// The pool gives in-flight jobs cfg.Worker.ShutdownTimeout before returning.
	stopWorker()
	wg.Wait()

	slog.Info("server stopped gracefully")
	return nil
}
