package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/internal/jobstatus"
	"github.com/kiranshivaraju/lawsignal/internal/queue"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// Progress reports stage transitions for a running job.
type Progress struct {
	store    jobstatus.Store
	jobID    uuid.UUID
	taskType string
	logger   *slog.Logger

	mu       sync.Mutex
	stage    string
	progress int
	started  time.Time
}

// Stage records that the job is entering stage name at the given progress.
// extra is merged into the status metadata.
func (p *Progress) Stage(ctx context.Context, name string, progress int, extra map[string]any) error {
	p.mu.Lock()
	if p.stage != "" {
		p.logger.Info("stage finished", "stage", p.stage, "duration_ms", time.Since(p.started).Milliseconds())
	}
	p.stage, p.progress, p.started = name, progress, time.Now()
	p.mu.Unlock()

	md := map[string]any{
		"stage":     name,
		"progress":  progress,
		"task_type": p.taskType,
	}
	maps.Copy(md, extra)
	if err := p.store.PutStatus(ctx, p.jobID, models.JobStatusProcessing, md); err != nil {
		return fmt.Errorf("record stage %s: %w", name, err)
	}
	p.logger.Info("stage started", "stage", name, "progress", progress)
	return nil
}

// Current returns the last reported stage and progress.
func (p *Progress) Current() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage, p.progress
}

// Runner executes a single message against its registered handler.
type Runner struct {
	store    jobstatus.Store
	registry Registry
	logger   *slog.Logger
}

// NewRunner creates a new Runner.
func NewRunner(store jobstatus.Store, registry Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, registry: registry, logger: logger}
}

// Run processes msg to a terminal status. A nil return means the message can
// be acknowledged; an error means the status store could not record the
// outcome and the message should be redelivered.
func (r *Runner) Run(ctx context.Context, msg queue.Message) error {
	logger := r.logger.With("job_id", msg.JobID.String(), "task_type", msg.TaskType, "attempt", msg.Attempt)

	current, err := r.store.GetStatus(ctx, msg.JobID)
	switch {
	case err == nil && current.Status.IsTerminal():
		logger.Info("skipping job already in terminal status", "status", current.Status)
		if current.Status == models.JobStatusFailed {
			return r.clearResult(ctx, msg.JobID)
		}
		return nil
	case err != nil && !errors.Is(err, jobstatus.ErrNotFound):
		return fmt.Errorf("read job status: %w", err)
	}

	handler, ok := r.registry.Lookup(msg.TaskType)
	if !ok {
		logger.Error("no handler registered for task type")
		return r.fail(ctx, msg, models.StageDispatch, 0, fmt.Sprintf("unknown task type %q", msg.TaskType))
	}

	progress := &Progress{store: r.store, jobID: msg.JobID, taskType: msg.TaskType, logger: logger}
	job := Job{ID: msg.JobID, TaskType: msg.TaskType, Payload: msg.Payload, Attempt: msg.Attempt, Logger: logger}

	start := time.Now()
	outcome, herr := r.invoke(ctx, handler, job, progress)
	if herr != nil && ctx.Err() != nil {
		// Shutdown interrupted the job; leave it for redelivery.
		return fmt.Errorf("%w: %v", ErrInterrupted, herr)
	}
	if herr != nil {
		stage, pct := progress.Current()
		message := herr.Error()
		var se *StageError
		if errors.As(herr, &se) {
			stage, message = se.Stage, se.Err.Error()
		} else if errors.Is(herr, errPanic) || stage == "" {
			stage = models.StageProcessingError
		}
		logger.Error("job failed", "stage", stage, "error", herr, "duration_ms", time.Since(start).Milliseconds())
		return r.fail(ctx, msg, stage, pct, message)
	}

	result, merr := json.Marshal(outcome.Result)
	if merr != nil {
		_, pct := progress.Current()
		return r.fail(ctx, msg, models.StageProcessingError, pct, fmt.Sprintf("encode result: %v", merr))
	}

	// The result must be visible before anyone can observe completed.
	if err := r.store.PutResult(ctx, msg.JobID, result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	md := map[string]any{
		"stage":        models.StageComplete,
		"progress":     100,
		"task_type":    msg.TaskType,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if outcome.Message != "" {
		md["message"] = outcome.Message
	}
	if err := r.store.PutStatus(ctx, msg.JobID, models.JobStatusCompleted, md); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	logger.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

var (
	// ErrInterrupted is returned by Run when ctx ended before the handler finished.
	ErrInterrupted = errors.New("job interrupted")

	errPanic = errors.New("handler panicked")
)

func (r *Runner) invoke(ctx context.Context, h Handler, job Job, p *Progress) (out Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			job.Logger.Error("panic in handler", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errPanic, rec)
		}
	}()
	return h.Handle(ctx, job, p)
}

func (r *Runner) fail(ctx context.Context, msg queue.Message, stage string, progress int, message string) error {
	md := map[string]any{
		"stage":     stage,
		"progress":  progress,
		"error":     message,
		"task_type": msg.TaskType,
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.store.PutStatus(ctx, msg.JobID, models.JobStatusFailed, md); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return r.clearResult(ctx, msg.JobID)
}

// clearResult drops a result an earlier attempt wrote before crashing short of
// completed. A failed job never has a result.
func (r *Runner) clearResult(ctx context.Context, jobID uuid.UUID) error {
	if err := r.store.DeleteResult(ctx, jobID); err != nil {
		return fmt.Errorf("clear result of failed job: %w", err)
	}
	return nil
}
