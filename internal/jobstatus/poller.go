package jobstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// DefaultPollInterval is the advisory delay returned to clients while a job is in flight.
const DefaultPollInterval = 5 * time.Second

// PollResult is the outcome of a single poll. HTTPStatus is one of 200, 202 or 400;
// unknown jobs are reported as ErrNotFound instead.
type PollResult struct {
	HTTPStatus int
	Body       map[string]any
}

// Poller turns status records into poll responses.
type Poller struct {
	store    Store
	interval time.Duration
}

func NewPoller(s Store, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{store: s, interval: interval}
}

// Poll reads the status of jobID and, once completed, its result. A completed job whose
// result is not yet visible is answered with status-only metadata and result_pending.
func (p *Poller) Poll(ctx context.Context, jobID uuid.UUID) (*PollResult, error) {
	rec, err := p.store.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"job_id":     jobID.String(),
		"status":     rec.Status,
		"stage":      rec.Stage(),
		"progress":   rec.Progress(),
		"updated_at": rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.TaskType != "" {
		body["task_type"] = rec.TaskType
	}

	switch rec.Status {
	case models.JobStatusCompleted:
		result, err := p.store.GetResult(ctx, jobID)
		switch {
		case errors.Is(err, ErrNotFound):
			body["result_pending"] = true
			body["metadata"] = rec.Metadata
			body["poll_again_in_seconds"] = p.seconds()
		case err != nil:
			return nil, fmt.Errorf("get result: %w", err)
		default:
			body["result"] = json.RawMessage(result)
			if v, ok := rec.Metadata["completed_at"]; ok {
				body["completed_at"] = v
			}
		}
		return &PollResult{HTTPStatus: http.StatusOK, Body: body}, nil

	case models.JobStatusFailed:
		body["error"] = rec.Error()
		body["metadata"] = rec.Metadata
		return &PollResult{HTTPStatus: http.StatusBadRequest, Body: body}, nil

	default:
		body["poll_again_in_seconds"] = p.seconds()
		if msg, ok := rec.Metadata["message"]; ok {
			body["message"] = msg
		}
		return &PollResult{HTTPStatus: http.StatusAccepted, Body: body}, nil
	}
}

func (p *Poller) seconds() int {
	return int(p.interval / time.Second)
}
