// Package handler holds the HTTP handlers of the front service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/internal/api/response"
	"github.com/kiranshivaraju/lawsignal/internal/jobstatus"
	"github.com/kiranshivaraju/lawsignal/internal/pipeline"
	"github.com/kiranshivaraju/lawsignal/internal/queue"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// maxBodyBytes bounds submitted payloads; inline documents can be large.
const maxBodyBytes = 32 << 20

// Submitter enqueues jobs. *queue.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, taskType string, payload any, opts ...queue.SubmitOption) (uuid.UUID, error)
	Estimate() time.Duration
}

// Poller answers status polls. *jobstatus.Poller satisfies it.
type Poller interface {
	Poll(ctx context.Context, jobID uuid.UUID) (*jobstatus.PollResult, error)
}

type validator interface {
	Validate() error
}

// newRequest returns an empty request for the pipeline, or nil when unknown.
func newRequest(taskType string) validator {
	switch taskType {
	case models.TaskAnalyse:
		return &pipeline.AnalyseRequest{}
	case models.TaskEnhance:
		return &pipeline.EnhanceRequest{}
	case models.TaskLookup:
		return &pipeline.LookupRequest{}
	case models.TaskDecision:
		return &pipeline.DecisionRequest{}
	}
	return nil
}

type submitResponse struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	PollURL         string `json:"poll_url"`
	Message         string `json:"message"`
	EstimateSeconds int    `json:"estimate_seconds"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/{pipeline}.
func NewSubmitHandler(sub Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskType := chi.URLParam(r, "pipeline")
		req := newRequest(taskType)
		if req == nil {
			response.Error(w, http.StatusBadRequest, "UNKNOWN_PIPELINE",
				fmt.Sprintf("Unknown pipeline %q", taskType), map[string]any{"pipelines": models.TaskTypes})
			return
		}

		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if err := req.Validate(); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		var opts []queue.SubmitOption
		if a, ok := req.(*pipeline.AnalyseRequest); ok {
			opts = append(opts, queue.WithMetadata("document_type", a.DocumentType))
		}
		jobID, err := sub.Submit(r.Context(), taskType, req, opts...)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrEnqueueFailed), errors.Is(err, queue.ErrQueueFull):
				details := map[string]any{}
				if jobID != uuid.Nil {
					details["job_id"] = jobID.String()
				}
				response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE",
					"The job could not be queued", details)
			case errors.Is(err, jobstatus.ErrDuplicateJob):
				response.Error(w, http.StatusConflict, "DUPLICATE_JOB", "A job with this id already exists", nil)
			case errors.Is(err, queue.ErrUnknownTaskType):
				response.Error(w, http.StatusBadRequest, "UNKNOWN_PIPELINE", err.Error(), nil)
			default:
				slog.Error("submit job", "task_type", taskType, "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, submitResponse{
			JobID:           jobID.String(),
			Status:          string(models.JobStatusQueued),
			PollURL:         "/api/status/" + jobID.String(),
			Message:         fmt.Sprintf("%s job queued", taskType),
			EstimateSeconds: int(sub.Estimate() / time.Second),
		})
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/status/{jobID}.
// In-flight jobs answer 202, completed 200 with the result and failed 400.
func NewStatusHandler(p Poller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "job id must be a UUID", nil)
			return
		}

		res, err := p.Poll(r.Context(), jobID)
		if err != nil {
			if jobstatus.IsNotFound(err) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND",
					fmt.Sprintf("No job with id %s", jobID), nil)
				return
			}
			slog.Error("poll job", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.Status(w, res.HTTPStatus, res.Body)
	}
}
