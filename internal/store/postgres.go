package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"creative-engine/internal/models"
)

// ErrNotFound marks lookups of absent jobs, templates, or rows. Callers use
// it to separate job-level fatals from transient store errors.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of jobs, creatives, and the
// read-only template/data-row catalog.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, team_id, template_id, data_source_id, aspect_ratios, row_filter,
	output_format, quality, status, cancel_requested, total_items, processed_items,
	failed_items, output_creative_ids, error_log, error, attempts, idempotency_key,
	created_at, started_at, completed_at, updated_at`

// CreateJobParams collects inputs required to insert a batch job.
type CreateJobParams struct {
	TeamID         string
	TemplateID     string
	DataSourceID   string
	AspectRatios   []models.AspectRatio
	RowFilter      *models.RowFilter
	OutputFormat   string
	Quality        int
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// CreateJob inserts a pending job row, honoring idempotency if provided. The
// boolean reports whether an existing job was reused via the idempotency key.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.GenerationJob, bool, error) {
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.GenerationJob{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	ratiosJSON, err := json.Marshal(p.AspectRatios)
	if err != nil {
		return models.GenerationJob{}, false, fmt.Errorf("marshal aspect ratios: %w", err)
	}
	var filterJSON []byte
	if p.RowFilter != nil {
		if filterJSON, err = json.Marshal(p.RowFilter); err != nil {
			return models.GenerationJob{}, false, fmt.Errorf("marshal row filter: %w", err)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.GenerationJob{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO generation_jobs (id, team_id, template_id, data_source_id, aspect_ratios, row_filter,
			output_format, quality, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, id, p.TeamID, p.TemplateID, p.DataSourceID, ratiosJSON, filterJSON,
		p.OutputFormat, p.Quality, models.StatusPending, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.GenerationJob{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.GenerationJob{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check.
			if err := tx.Rollback(ctx); err != nil {
				return models.GenerationJob{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.GenerationJob{}, false, err
			}
			if !found {
				return models.GenerationJob{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.GenerationJob{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.GenerationJob{
		ID:                id,
		TeamID:            p.TeamID,
		TemplateID:        p.TemplateID,
		DataSourceID:      p.DataSourceID,
		AspectRatios:      p.AspectRatios,
		RowFilter:         p.RowFilter,
		OutputFormat:      p.OutputFormat,
		Quality:           p.Quality,
		Status:            models.StatusPending,
		OutputCreativeIDs: []string{},
		ErrorLog:          []models.ItemError{},
		IdempotencyKey:    emptyToNil(p.IdempotencyKey),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.GenerationJob, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, false, nil
	}
	if err != nil {
		return models.GenerationJob{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.GenerationJob{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a progress snapshot by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.GenerationJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ClaimJob transitions a dispatched job to processing, stamping started_at on
// the first claim and counting the attempt. The boolean is false when the job
// is terminal (for example cancelled before any work started), which tells
// the worker to drop the dispatch.
func (s *Store) ClaimJob(ctx context.Context, id string) (models.GenerationJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE generation_jobs
		SET status = $2, started_at = COALESCE(started_at, NOW()), attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $2)
		RETURNING `+jobColumns, id, models.StatusProcessing, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, false, nil
	}
	if err != nil {
		return models.GenerationJob{}, false, err
	}
	return job, true, nil
}

// SetTotalItems fixes the batch size exactly once, at claim time.
func (s *Store) SetTotalItems(ctx context.Context, id string, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs SET total_items = $2, updated_at = NOW()
		WHERE id = $1 AND total_items = 0
	`, id, total)
	return err
}

// RecordItemSuccess appends the creative record and bumps processed_items in
// one transaction. The increment happens in SQL, so concurrent item
// completions never lose an update. The total_items guard keeps the counters
// within the batch snapshot if an expired lease ever redelivers a batch whose
// items already ran.
func (s *Store) RecordItemSuccess(ctx context.Context, jobID string, creative models.GeneratedCreative) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE generation_jobs
		SET processed_items = processed_items + 1,
		    output_creative_ids = array_append(output_creative_ids, $2),
		    updated_at = NOW()
		WHERE id = $1 AND processed_items + failed_items < total_items
	`, jobID, creative.ID)
	if err != nil {
		return fmt.Errorf("bump processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if err := insertCreative(ctx, tx, creative); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecordItemFailure appends the failed-attempt record, the error-log entry,
// and bumps failed_items atomically. The batch keeps going.
func (s *Store) RecordItemFailure(ctx context.Context, jobID string, creative models.GeneratedCreative, itemErr models.ItemError) error {
	entry, err := json.Marshal([]models.ItemError{itemErr})
	if err != nil {
		return fmt.Errorf("marshal error entry: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE generation_jobs
		SET failed_items = failed_items + 1,
		    error_log = error_log || $2::jsonb,
		    updated_at = NOW()
		WHERE id = $1 AND processed_items + failed_items < total_items
	`, jobID, entry)
	if err != nil {
		return fmt.Errorf("bump failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if err := insertCreative(ctx, tx, creative); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkCompleted finishes a batch; partial success still completes.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCompleted, models.StatusProcessing)
	return err
}

// MarkFailed records a job-level fatal error.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.StatusFailed, msg, models.StatusPending, models.StatusProcessing)
	return err
}

// MarkCancelled terminates a batch after the orchestrator observed the
// cancel request and let in-flight items finish.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusCancelled, models.StatusPending, models.StatusProcessing)
	return err
}

// RequestCancel applies a cooperative cancel. A pending job is cancelled
// outright; a processing job gets the flag the orchestrator polls between
// item starts. The returned status is the job's status after the request.
func (s *Store) RequestCancel(ctx context.Context, id string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE generation_jobs
		SET cancel_requested = TRUE,
		    status = CASE WHEN status = $2 THEN $3 ELSE status END,
		    completed_at = CASE WHEN status = $2 THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $4)
		RETURNING status
	`, id, models.StatusPending, models.StatusCancelled, models.StatusProcessing).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either absent or already terminal; disambiguate for the caller.
		job, gerr := s.GetJob(ctx, id)
		if gerr != nil {
			return "", gerr
		}
		return job.Status, fmt.Errorf("job %s already %s", id, job.Status)
	}
	if err != nil {
		return "", fmt.Errorf("request cancel: %w", err)
	}
	return status, nil
}

// CancelRequested reports the cooperative-cancel flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `
		SELECT cancel_requested FROM generation_jobs WHERE id = $1
	`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return flag, err
}

func scanJob(row pgx.Row) (models.GenerationJob, error) {
	var job models.GenerationJob
	var ratiosJSON, errorLogJSON []byte
	var filterJSON []byte

	err := row.Scan(&job.ID, &job.TeamID, &job.TemplateID, &job.DataSourceID, &ratiosJSON, &filterJSON,
		&job.OutputFormat, &job.Quality, &job.Status, &job.CancelRequested, &job.TotalItems, &job.ProcessedItems,
		&job.FailedItems, &job.OutputCreativeIDs, &errorLogJSON, &job.Error, &job.Attempts, &job.IdempotencyKey,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt)
	if err != nil {
		return models.GenerationJob{}, err
	}
	if err := json.Unmarshal(ratiosJSON, &job.AspectRatios); err != nil {
		return models.GenerationJob{}, fmt.Errorf("unmarshal aspect ratios: %w", err)
	}
	if len(filterJSON) > 0 {
		job.RowFilter = &models.RowFilter{}
		if err := json.Unmarshal(filterJSON, job.RowFilter); err != nil {
			return models.GenerationJob{}, fmt.Errorf("unmarshal row filter: %w", err)
		}
	}
	if len(errorLogJSON) > 0 {
		if err := json.Unmarshal(errorLogJSON, &job.ErrorLog); err != nil {
			return models.GenerationJob{}, fmt.Errorf("unmarshal error log: %w", err)
		}
	}
	if job.OutputCreativeIDs == nil {
		job.OutputCreativeIDs = []string{}
	}
	return job, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
