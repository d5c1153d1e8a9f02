package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/internal/jobstatus"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// DefaultEstimate is the advisory completion time reported for new jobs.
const DefaultEstimate = 60 * time.Second

type submitParams struct {
	metadata map[string]any
}

// SubmitOption adds caller metadata to the initial queued status record.
type SubmitOption func(*submitParams)

// WithMetadata records key=value on the queued status record.
func WithMetadata(key string, value any) SubmitOption {
	return func(p *submitParams) {
		p.metadata[key] = value
	}
}

// Dispatcher creates jobs: it writes the queued status record first, then enqueues.
// If the enqueue fails the record is overwritten as failed so it never sits at
// queued without a message behind it.
type Dispatcher struct {
	queue    Queue
	status   jobstatus.Store
	estimate time.Duration
	now      func() time.Time
	newID    func() uuid.UUID
}

func NewDispatcher(q Queue, s jobstatus.Store) *Dispatcher {
	return &Dispatcher{queue: q, status: s, estimate: DefaultEstimate, now: time.Now, newID: uuid.New}
}

// Estimate returns the advisory completion time for new jobs.
func (d *Dispatcher) Estimate() time.Duration {
	return d.estimate
}

// Submit validates and enqueues one unit of work and returns its job id.
func (d *Dispatcher) Submit(ctx context.Context, taskType string, payload any, opts ...SubmitOption) (uuid.UUID, error) {
	if !models.IsKnownTaskType(taskType) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	params := &submitParams{metadata: map[string]any{}}
	for _, opt := range opts {
		opt(params)
	}

	jobID := d.newID()
	queuedAt := d.now().UTC()

	meta := params.metadata
	meta["stage"] = models.StageWaitingInQueue
	meta["progress"] = 0
	meta["task_type"] = taskType
	meta["queued_at"] = queuedAt.Format(time.RFC3339)
	meta["estimated_wait_seconds"] = int(d.estimate / time.Second)

	// A taken id leaves the existing job alone: no message, no failed overwrite.
	if err := d.status.CreateStatus(ctx, jobID, meta); err != nil {
		return uuid.Nil, fmt.Errorf("write queued status: %w", err)
	}

	msg := Message{
		JobID:    jobID,
		TaskType: taskType,
		Payload:  body,
		QueuedAt: queuedAt,
	}
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		slog.Error("enqueue failed", "job_id", jobID, "task_type", taskType, "error", err)
		failErr := d.status.PutStatus(ctx, jobID, models.JobStatusFailed, map[string]any{
			"stage":     models.StageQueueFailed,
			"progress":  0,
			"task_type": taskType,
			"error":     fmt.Sprintf("failed to queue job: %v", err),
		})
		if failErr != nil {
			slog.Error("marking job failed after enqueue error", "job_id", jobID, "error", failErr)
		}
		return jobID, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	slog.Info("job queued", "job_id", jobID, "task_type", taskType)
	return jobID, nil
}
