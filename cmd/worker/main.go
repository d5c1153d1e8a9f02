// Package main is the entrypoint for the LawSignal job worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/app"
	"github.com/kiranshivaraju/lawsignal/internal/config"
)

const maintenanceStopTimeout = 10 * time.Second

var errMemoryQueue = errors.New("the standalone worker cannot consume the in-process memory queue; use QUEUE_DRIVER=redis")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Queue.Driver == "memory" {
		return errMemoryQueue
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env,
		"concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	pool, maint, err := rt.Worker(slog.Default())
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	// Clear leases left by a previous crash before consuming.
	maint.RunOnce()
	maint.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), maintenanceStopTimeout)
		defer cancel()
		maint.Stop(stopCtx)
	}()

	slog.Info("worker started", "queue", cfg.Queue.Name)
	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}
