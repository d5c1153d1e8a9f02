package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/pkg/models"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node StatusStore for embedded deployments.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and creates its tables.
func NewSQLiteStore(dbPath string, retention time.Duration) (*SQLiteStore, error) {
	if retention <= 0 {
		retention = defaultRetention
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	// modernc serializes writers per connection; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, retention: retention}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_status (
			job_id      TEXT PRIMARY KEY,
			task_type   TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			status_rank INTEGER NOT NULL,
			metadata    TEXT NOT NULL DEFAULT '{}',
			updated_at  DATETIME NOT NULL,
			expires_at  DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS job_results (
			job_id     TEXT PRIMARY KEY,
			result     TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_job_status_expires_at  ON job_status(expires_at);
		CREATE INDEX IF NOT EXISTS idx_job_results_expires_at ON job_results(expires_at);
	`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateStatus(ctx context.Context, jobID uuid.UUID, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode status metadata: %w", err)
	}

	queued := models.JobStatusQueued
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_status (job_id, task_type, status, status_rank, metadata, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID.String(), taskTypeOf(metadata), string(queued), queued.Rank(), string(meta), now, now.Add(s.retention))
	if err != nil {
		return fmt.Errorf("create job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create job status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", ErrDuplicateKey, jobID)
	}
	return nil
}

func (s *SQLiteStore) PutStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, metadata map[string]any) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode status metadata: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_status (job_id, task_type, status, status_rank, metadata, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			task_type   = COALESCE(NULLIF(excluded.task_type, ''), job_status.task_type),
			status      = excluded.status,
			status_rank = excluded.status_rank,
			metadata    = excluded.metadata,
			updated_at  = excluded.updated_at,
			expires_at  = excluded.expires_at
		WHERE job_status.status = excluded.status
		   OR (job_status.status_rank < 3 AND excluded.status_rank >= job_status.status_rank)
	`, jobID.String(), taskTypeOf(metadata), string(status), status.Rank(), string(meta), now, now.Add(s.retention))
	if err != nil {
		return fmt.Errorf("put job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put job status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, jobID, status)
	}
	return nil
}

func (s *SQLiteStore) PutResult(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error {
	if !json.Valid(result) {
		return fmt.Errorf("put job result: result is not valid JSON")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_results (job_id, result, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			result = excluded.result, created_at = excluded.created_at, expires_at = excluded.expires_at
	`, jobID.String(), string(result), now, now.Add(s.retention))
	if err != nil {
		return fmt.Errorf("put job result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteResult(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_results WHERE job_id = ?`, jobID.String()); err != nil {
		return fmt.Errorf("delete job result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStatus(ctx context.Context, jobID uuid.UUID) (*models.StatusRecord, error) {
	var (
		rec    models.StatusRecord
		id     string
		status string
		meta   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, task_type, status, metadata, updated_at
		FROM job_status WHERE job_id = ? AND expires_at > ?
	`, jobID.String(), time.Now().UTC()).Scan(&id, &rec.TaskType, &status, &meta, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job status %s: %w", jobID, err)
	}

	rec.JobID = jobID
	rec.Status = models.JobStatus(status)
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode status metadata: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error) {
	var result string
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM job_results WHERE job_id = ? AND expires_at > ?
	`, jobID.String(), time.Now().UTC()).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job result %s: %w", jobID, err)
	}
	return json.RawMessage(result), nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"job_results", "job_status"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, now.UTC())
		if err != nil {
			return total, fmt.Errorf("delete expired %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

var _ StatusStore = (*SQLiteStore)(nil)
