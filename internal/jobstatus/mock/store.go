package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/internal/jobstatus"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// Store is an in-memory jobstatus.Store that applies the same transition rules as
// the durable backends and records every accepted write.
type Store struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]models.StatusRecord
	results  map[uuid.UUID]json.RawMessage
	history  map[uuid.UUID][]models.StatusRecord

	// Optional failure hooks.
	PutStatusErr    func(status models.JobStatus, metadata map[string]any) error
	PutResultErr    error
	DeleteResultErr error
	// HideResults simulates a result object that is not yet visible to readers.
	HideResults bool
}

func NewStore() *Store {
	return &Store{
		statuses: make(map[uuid.UUID]models.StatusRecord),
		results:  make(map[uuid.UUID]json.RawMessage),
		history:  make(map[uuid.UUID][]models.StatusRecord),
	}
}

// CreateStatus records the queued status of a new job. PutStatusErr sees it as a
// queued write.
func (s *Store) CreateStatus(ctx context.Context, jobID uuid.UUID, metadata map[string]any) error {
	s.mu.Lock()
	_, exists := s.statuses[jobID]
	s.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: job %s", jobstatus.ErrDuplicateJob, jobID)
	}
	return s.PutStatus(ctx, jobID, models.JobStatusQueued, metadata)
}

func (s *Store) PutStatus(_ context.Context, jobID uuid.UUID, status models.JobStatus, metadata map[string]any) error {
	if s.PutStatusErr != nil {
		if err := s.PutStatusErr(status, metadata); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.statuses[jobID]
	if !current.Status.CanTransition(status) {
		return fmt.Errorf("%w: job %s %s -> %s", jobstatus.ErrInvalidTransition, jobID, current.Status, status)
	}

	rec := models.StatusRecord{
		JobID:     jobID,
		TaskType:  current.TaskType,
		Status:    status,
		Metadata:  maps.Clone(metadata),
		UpdatedAt: time.Now().UTC(),
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	if tt, ok := metadata["task_type"].(string); ok && tt != "" {
		rec.TaskType = tt
	}
	s.statuses[jobID] = rec
	s.history[jobID] = append(s.history[jobID], rec)
	return nil
}

func (s *Store) PutResult(_ context.Context, jobID uuid.UUID, result json.RawMessage) error {
	if s.PutResultErr != nil {
		return s.PutResultErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = append(json.RawMessage(nil), result...)
	return nil
}

func (s *Store) GetStatus(_ context.Context, jobID uuid.UUID) (*models.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.statuses[jobID]
	if !ok {
		return nil, jobstatus.ErrNotFound
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	return &rec, nil
}

func (s *Store) GetResult(_ context.Context, jobID uuid.UUID) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[jobID]
	if !ok || s.HideResults {
		return nil, jobstatus.ErrNotFound
	}
	return res, nil
}

func (s *Store) DeleteResult(_ context.Context, jobID uuid.UUID) error {
	if s.DeleteResultErr != nil {
		return s.DeleteResultErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, jobID)
	return nil
}

// History returns every accepted status write for jobID, oldest first.
func (s *Store) History(jobID uuid.UUID) []models.StatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StatusRecord(nil), s.history[jobID]...)
}

// HasResult reports whether a result object was written for jobID.
func (s *Store) HasResult(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.results[jobID]
	return ok
}

var _ jobstatus.Store = (*Store)(nil)
