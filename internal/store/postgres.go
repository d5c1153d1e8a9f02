package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

const defaultRetention = 7 * 24 * time.Hour

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// NewPostgresStore creates a new PostgresStore. Status and result rows expire after retention.
func NewPostgresStore(pool *pgxpool.Pool, retention time.Duration) *PostgresStore {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &PostgresStore{pool: pool, retention: retention}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Job Status ---

func (s *PostgresStore) CreateStatus(ctx context.Context, jobID uuid.UUID, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode status metadata: %w", err)
	}

	queued := models.JobStatusQueued
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO job_status (job_id, task_type, status, status_rank, metadata, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		jobID, taskTypeOf(metadata), string(queued), queued.Rank(), string(meta), now, now.Add(s.retention))
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: job %s", ErrDuplicateKey, jobID)
		}
		return fmt.Errorf("create job status: %w", err)
	}
	return nil
}

// PutStatus upserts the status row. The WHERE clause on the conflict branch keeps
// transitions monotonic; a rejected write affects no rows.
func (s *PostgresStore) PutStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, metadata map[string]any) error {
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
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO job_status (job_id, task_type, status, status_rank, metadata, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		 ON CONFLICT (job_id) DO UPDATE SET
		   task_type   = COALESCE(NULLIF(EXCLUDED.task_type, ''), job_status.task_type),
		   status      = EXCLUDED.status,
		   status_rank = EXCLUDED.status_rank,
		   metadata    = EXCLUDED.metadata,
		   updated_at  = EXCLUDED.updated_at,
		   expires_at  = EXCLUDED.expires_at
		 WHERE job_status.status = EXCLUDED.status
		    OR (job_status.status_rank < 3 AND EXCLUDED.status_rank >= job_status.status_rank)`,
		jobID, taskTypeOf(metadata), string(status), status.Rank(), string(meta), now, now.Add(s.retention))
	if err != nil {
		return fmt.Errorf("put job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, jobID, status)
	}
	return nil
}

func (s *PostgresStore) PutResult(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error {
	if !json.Valid(result) {
		return fmt.Errorf("put job result: result is not valid JSON")
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_results (job_id, result, created_at, expires_at)
		 VALUES ($1, $2::jsonb, $3, $4)
		 ON CONFLICT (job_id) DO UPDATE SET
		   result = EXCLUDED.result, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		jobID, string(result), now, now.Add(s.retention))
	if err != nil {
		return fmt.Errorf("put job result: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteResult(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_results WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStatus(ctx context.Context, jobID uuid.UUID) (*models.StatusRecord, error) {
	var (
		rec  models.StatusRecord
		meta []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, task_type, status, metadata, updated_at
		 FROM job_status WHERE job_id = $1 AND expires_at > NOW()`, jobID,
	).Scan(&rec.JobID, &rec.TaskType, &rec.Status, &meta, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode status metadata: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM job_results WHERE job_id = $1 AND expires_at > NOW()`, jobID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job result: %w", err)
	}
	return json.RawMessage(raw), nil
}

// DeleteExpired removes status and result rows past their retention window.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"job_results", "job_status"} {
		tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE expires_at <= $1`, now)
		if err != nil {
			return total, fmt.Errorf("delete expired %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// --- Companies ---

func (s *PostgresStore) CompaniesBySectors(ctx context.Context, sectors []string, limit int) ([]models.Company, error) {
	if len(sectors) == 0 {
		return []models.Company{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, name, sector, industry, tags, market_cap
		 FROM companies WHERE LOWER(sector) = ANY($1)
		 ORDER BY market_cap DESC LIMIT $2`, lowerAll(sectors), limit)
	if err != nil {
		return nil, fmt.Errorf("companies by sectors: %w", err)
	}
	return scanCompanies(rows)
}

func (s *PostgresStore) CompaniesByTags(ctx context.Context, tags []string, limit int) ([]models.Company, error) {
	if len(tags) == 0 {
		return []models.Company{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, name, sector, industry, tags, market_cap
		 FROM companies WHERE tags && $1
		 ORDER BY market_cap DESC LIMIT $2`, tags, limit)
	if err != nil {
		return nil, fmt.Errorf("companies by tags: %w", err)
	}
	return scanCompanies(rows)
}

// UpsertCompany inserts or replaces a company row. Used by seeding and tests.
func (s *PostgresStore) UpsertCompany(ctx context.Context, c models.Company) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (ticker, name, sector, industry, tags, market_cap)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (ticker) DO UPDATE SET
		   name = EXCLUDED.name, sector = EXCLUDED.sector, industry = EXCLUDED.industry,
		   tags = EXCLUDED.tags, market_cap = EXCLUDED.market_cap`,
		c.Ticker, c.Name, c.Sector, c.Industry, c.Tags, c.MarketCap)
	if err != nil {
		return fmt.Errorf("upsert company: %w", err)
	}
	return nil
}

func scanCompanies(rows pgx.Rows) ([]models.Company, error) {
	defer rows.Close()

	companies := []models.Company{}
	for rows.Next() {
		var c models.Company
		if err := rows.Scan(&c.Ticker, &c.Name, &c.Sector, &c.Industry, &c.Tags, &c.MarketCap); err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// --- Saved Analyses ---

func (s *PostgresStore) SaveAnalysis(ctx context.Context, a *models.SavedAnalysis) error {
	body, err := json.Marshal(a.Analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO saved_analyses (analysis_id, analysis, created_at, expires_at)
		 VALUES ($1, $2::jsonb, $3, $4)
		 ON CONFLICT (analysis_id) DO UPDATE SET
		   analysis = EXCLUDED.analysis, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		a.AnalysisID, string(body), a.CreatedAt, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, analysisID string) (*models.SavedAnalysis, error) {
	var (
		a    models.SavedAnalysis
		body []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT analysis_id, analysis, created_at, expires_at
		 FROM saved_analyses WHERE analysis_id = $1 AND expires_at > NOW()`, analysisID,
	).Scan(&a.AnalysisID, &body, &a.CreatedAt, &a.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	if err := json.Unmarshal(body, &a.Analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) DeleteExpiredAnalyses(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM saved_analyses WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired analyses: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
