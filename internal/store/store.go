package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// StatusStore persists job status and result objects. Status and result are
// independent rows so either can be written without touching the other.
type StatusStore interface {
	Ping(ctx context.Context) error
	// CreateStatus inserts the queued record of a new job. An existing jobID
	// fails with ErrDuplicateKey and leaves the stored record untouched.
	CreateStatus(ctx context.Context, jobID uuid.UUID, metadata map[string]any) error
	PutStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, metadata map[string]any) error
	PutResult(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error
	GetStatus(ctx context.Context, jobID uuid.UUID) (*models.StatusRecord, error)
	GetResult(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error)
	// DeleteResult removes the result of jobID, if any.
	DeleteResult(ctx context.Context, jobID uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CompanyStore answers candidate queries for the lookup pipeline.
type CompanyStore interface {
	CompaniesBySectors(ctx context.Context, sectors []string, limit int) ([]models.Company, error)
	CompaniesByTags(ctx context.Context, tags []string, limit int) ([]models.Company, error)
}

// AnalysisStore keeps synthesized analyses used to ground chat sessions.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, a *models.SavedAnalysis) error
	GetAnalysis(ctx context.Context, analysisID string) (*models.SavedAnalysis, error)
	DeleteExpiredAnalyses(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full data access interface backed by Postgres.
type Store interface {
	StatusStore
	CompanyStore
	AnalysisStore
}

// TaskTypeKey is the metadata key copied into the task_type column.
const TaskTypeKey = "task_type"

func taskTypeOf(metadata map[string]any) string {
	s, _ := metadata[TaskTypeKey].(string)
	return s
}
