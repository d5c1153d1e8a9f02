// Package jobstatus exposes the per-job status/result contract and the polling
// protocol the HTTP front serves on top of it.
package jobstatus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/internal/cache"
	"github.com/kiranshivaraju/lawsignal/internal/store"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

var (
	ErrNotFound          = store.ErrNotFound
	ErrInvalidTransition = store.ErrInvalidTransition
	ErrDuplicateJob      = store.ErrDuplicateKey
)

// Store is the status/result contract shared by dispatcher, workers and poller.
// Status and result are separate objects; a reader may see a completed status
// before the result is visible.
type Store interface {
	// CreateStatus writes the queued record of a new job and fails with
	// ErrDuplicateJob if the id is taken.
	CreateStatus(ctx context.Context, jobID uuid.UUID, metadata map[string]any) error
	PutStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, metadata map[string]any) error
	PutResult(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error
	GetStatus(ctx context.Context, jobID uuid.UUID) (*models.StatusRecord, error)
	GetResult(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error)
	// DeleteResult removes a result left by an earlier attempt of a failed job.
	DeleteResult(ctx context.Context, jobID uuid.UUID) error
}

// CachedStore writes status through to Redis so frequent polls skip the database.
// Results are large and read once, so they always go to the backend.
type CachedStore struct {
	backend Store
	cache   cache.Cache
	ttl     time.Duration
}

// NewCachedStore wraps backend with a Redis status cache.
func NewCachedStore(backend Store, c cache.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{backend: backend, cache: c, ttl: ttl}
}

func (s *CachedStore) CreateStatus(ctx context.Context, jobID uuid.UUID, metadata map[string]any) error {
	if err := s.backend.CreateStatus(ctx, jobID, metadata); err != nil {
		return err
	}
	rec := models.StatusRecord{
		JobID:     jobID,
		Status:    models.JobStatusQueued,
		Metadata:  metadata,
		UpdatedAt: time.Now().UTC(),
	}
	if tt, ok := metadata[store.TaskTypeKey].(string); ok {
		rec.TaskType = tt
	}
	s.cacheRecord(ctx, &rec)
	return nil
}

func (s *CachedStore) PutStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, metadata map[string]any) error {
	if err := s.backend.PutStatus(ctx, jobID, status, metadata); err != nil {
		return err
	}

	// A duplicate delivery may finish its backend write after a terminal one; never
	// let its cache write hide the terminal record.
	if !status.IsTerminal() {
		if cached, ok := s.cached(ctx, jobID); ok && cached.Status.IsTerminal() {
			return nil
		}
	}

	rec := models.StatusRecord{
		JobID:     jobID,
		Status:    status,
		Metadata:  metadata,
		UpdatedAt: time.Now().UTC(),
	}
	if tt, ok := metadata[store.TaskTypeKey].(string); ok {
		rec.TaskType = tt
	}
	s.cacheRecord(ctx, &rec)
	return nil
}

func (s *CachedStore) DeleteResult(ctx context.Context, jobID uuid.UUID) error {
	return s.backend.DeleteResult(ctx, jobID)
}

func (s *CachedStore) PutResult(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error {
	return s.backend.PutResult(ctx, jobID, result)
}

func (s *CachedStore) GetStatus(ctx context.Context, jobID uuid.UUID) (*models.StatusRecord, error) {
	if rec, ok := s.cached(ctx, jobID); ok {
		return rec, nil
	}

	rec, err := s.backend.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	// Only terminal records are immutable, so only they are safe to backfill.
	if rec.Status.IsTerminal() {
		s.cacheRecord(ctx, rec)
	}
	return rec, nil
}

func (s *CachedStore) cached(ctx context.Context, jobID uuid.UUID) (*models.StatusRecord, bool) {
	body, found, err := s.cache.Get(ctx, cache.JobStatusKey(jobID))
	if err != nil {
		slog.Warn("status cache read failed", "job_id", jobID, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var rec models.StatusRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (s *CachedStore) cacheRecord(ctx context.Context, rec *models.StatusRecord) {
	key := cache.JobStatusKey(rec.JobID)
	body, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("status cache encode failed", "job_id", rec.JobID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, body, s.ttl); err != nil {
		// The backend is authoritative; drop the stale entry so the next read falls through.
		slog.Warn("status cache write failed", "job_id", rec.JobID, "error", err)
		_ = s.cache.Delete(ctx, key)
	}
}

func (s *CachedStore) GetResult(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error) {
	return s.backend.GetResult(ctx, jobID)
}

// IsNotFound reports whether err means the job or its result does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Compile-time checks that the durable backends satisfy Store.
var (
	_ Store = (*store.PostgresStore)(nil)
	_ Store = (*store.SQLiteStore)(nil)
	_ Store = (*CachedStore)(nil)
)
