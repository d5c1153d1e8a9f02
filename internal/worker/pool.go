package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/lawsignal/internal/queue"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxAttempts bounds redelivery of a message whose outcome could not be recorded.
const DefaultMaxAttempts = 5

// PoolOptions configures a Pool.
type PoolOptions struct {
	Concurrency int
	// ShutdownTimeout is how long in-flight jobs may keep running after the
	// pool's context is cancelled.
	ShutdownTimeout time.Duration
	MaxAttempts     int
	Logger          *slog.Logger
}

// Pool runs Concurrency consumers against a queue.
type Pool struct {
	queue  queue.Queue
	runner *Runner
	opts   PoolOptions
	logger *slog.Logger
}

// NewPool creates a new Pool.
func NewPool(q queue.Queue, runner *Runner, opts PoolOptions) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: q, runner: runner, opts: opts, logger: logger}
}

// Run consumes until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool", "concurrency", p.opts.Concurrency, "shutdown_timeout", p.opts.ShutdownTimeout)

	// Jobs outlive ctx by at most ShutdownTimeout.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	stop := context.AfterFunc(ctx, func() {
		if p.opts.ShutdownTimeout <= 0 {
			cancelJobs()
			return
		}
		time.AfterFunc(p.opts.ShutdownTimeout, cancelJobs)
	})
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	for range p.opts.Concurrency {
		group.Go(func() error { return p.consume(gctx, jobCtx) })
	}
	err := group.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) consume(ctx, jobCtx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 10 * time.Second
	retry.MaxElapsedTime = 0

	for ctx.Err() == nil {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			p.logger.Error("dequeue failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		p.process(jobCtx, d)
	}
	return nil
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	err := p.runner.Run(ctx, msg)
	// Acks happen even after shutdown so finished work is not redelivered.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		if aerr := p.queue.Ack(ackCtx, d); aerr != nil {
			p.logger.Error("ack failed", "job_id", msg.JobID.String(), "error", aerr)
		}
		return
	}

	if errors.Is(err, ErrInterrupted) {
		// Leave the lease to expire; the reaper redelivers it.
		p.logger.Warn("job interrupted by shutdown", "job_id", msg.JobID.String(), "error", err)
		return
	}
	if msg.Attempt+1 >= p.opts.MaxAttempts {
		p.logger.Error("giving up on job", "job_id", msg.JobID.String(), "attempt", msg.Attempt, "error", err)
		if aerr := p.queue.Ack(ackCtx, d); aerr != nil {
			p.logger.Error("ack failed", "job_id", msg.JobID.String(), "error", aerr)
		}
		return
	}
	p.logger.Warn("requeueing job", "job_id", msg.JobID.String(), "attempt", msg.Attempt, "error", err)
	if nerr := p.queue.Nack(ackCtx, d); nerr != nil {
		p.logger.Error("nack failed", "job_id", msg.JobID.String(), "error", nerr)
	}
}
