package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an asynchronous pipeline job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Rank orders statuses: queued < processing < {completed, failed}.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusQueued:
		return 1
	case JobStatusProcessing:
		return 2
	case JobStatusCompleted, JobStatusFailed:
		return 3
	}
	return 0
}

// CanTransition reports whether a record in status s may be overwritten with next.
// Transitions never go backward. A terminal status only accepts itself again,
// which keeps redelivered jobs idempotent.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == "" {
		return true
	}
	if s.IsTerminal() {
		return s == next
	}
	return next.Rank() >= s.Rank()
}

// Task types accepted by the dispatcher.
const (
	TaskAnalyse  = "analyse"
	TaskEnhance  = "enhance"
	TaskLookup   = "lookup"
	TaskDecision = "decision"
)

// TaskTypes is the closed set of task types, in pipeline order.
var TaskTypes = []string{TaskAnalyse, TaskEnhance, TaskLookup, TaskDecision}

// IsKnownTaskType reports whether t is one of TaskTypes.
func IsKnownTaskType(t string) bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Stage labels shared by the dispatcher, workers and poller.
const (
	StageWaitingInQueue  = "waiting_in_queue"
	StageQueueFailed     = "queue_failed"
	StageDispatch        = "dispatch"
	StageProcessingError = "processing_error"
	StageComplete        = "complete"
)

// StatusRecord is the persisted projection of a job at a point in time.
// Metadata always carries "stage" and "progress"; "error" is present iff Status is failed.
type StatusRecord struct {
	JobID     uuid.UUID      `json:"job_id"`
	TaskType  string         `json:"task_type,omitempty"`
	Status    JobStatus      `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Stage returns the metadata stage label, or "" if absent.
func (r *StatusRecord) Stage() string {
	s, _ := r.Metadata["stage"].(string)
	return s
}

// Progress returns the metadata progress percentage.
func (r *StatusRecord) Progress() int {
	switch v := r.Metadata["progress"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	}
	return 0
}

// Error returns the failure message recorded for a failed job.
func (r *StatusRecord) Error() string {
	s, _ := r.Metadata["error"].(string)
	return s
}
