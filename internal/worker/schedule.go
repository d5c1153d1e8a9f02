package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper redelivers messages whose consumer lease has expired.
type Reaper interface {
	RequeueExpired(ctx context.Context) (int, error)
}

// Sweeper deletes rows past their retention window.
type Sweeper func(ctx context.Context, now time.Time) (int64, error)

// Maintenance runs the periodic queue reaper and retention sweeps.
type Maintenance struct {
	cron    *cron.Cron
	reaper  Reaper
	sweeps  map[string]Sweeper
	timeout time.Duration
	logger  *slog.Logger
}

// NewMaintenance schedules the reaper on reaperSpec and every sweep on sweepSpec.
// Specs use robfig/cron syntax, e.g. "@every 30s" or "@hourly".
func NewMaintenance(reaper Reaper, reaperSpec string, sweeps map[string]Sweeper, sweepSpec string, logger *slog.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maintenance{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		reaper:  reaper,
		sweeps:  sweeps,
		timeout: time.Minute,
		logger:  logger,
	}
	if reaper != nil {
		if _, err := m.cron.AddFunc(reaperSpec, m.reap); err != nil {
			return nil, fmt.Errorf("schedule queue reaper %q: %w", reaperSpec, err)
		}
	}
	if len(sweeps) > 0 {
		if _, err := m.cron.AddFunc(sweepSpec, m.sweep); err != nil {
			return nil, fmt.Errorf("schedule retention sweep %q: %w", sweepSpec, err)
		}
	}
	return m, nil
}

// Start runs the scheduler in its own goroutine.
func (m *Maintenance) Start() { m.cron.Start() }

// Stop halts scheduling and waits for a running task to return or ctx to end.
func (m *Maintenance) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (m *Maintenance) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	n, err := m.reaper.RequeueExpired(ctx)
	if err != nil {
		m.logger.Error("requeue expired leases failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("requeued expired leases", "count", n)
	}
}

func (m *Maintenance) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	now := time.Now()
	for name, fn := range m.sweeps {
		n, err := fn(ctx, now)
		if err != nil {
			m.logger.Error("retention sweep failed", "table", name, "error", err)
			continue
		}
		m.logger.Info("retention sweep", "table", name, "deleted", n)
	}
}

// RunOnce executes the reaper and all sweeps immediately.
func (m *Maintenance) RunOnce() {
	if m.reaper != nil {
		m.reap()
	}
	m.sweep()
}
