package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veildata/veil/internal/model"
)

// uniqueViolation is the Postgres error code raised when two concurrent
// inserts race for the same (job_id, run_id).
const uniqueViolation = "23505"

// createRunRetries bounds the insert-retry loop under concurrent refinement.
const createRunRetries = 5

// CreateRun inserts the next run for a job. run_id is assigned as
// max(existing)+1 in the INSERT itself; the UNIQUE(job_id, run_id)
// constraint turns a lost race into a retry instead of a duplicate number.
// compute_sensitivities is derived solely from run_id == 1.
func (db *DB) CreateRun(ctx context.Context, jobID uuid.UUID) (model.Run, error) {
	for attempt := 0; attempt < createRunRetries; attempt++ {
		run := model.Run{
			ID:        uuid.New(),
			JobID:     jobID,
			Status:    model.RunStateCreated,
			CreatedAt: time.Now().UTC(),
		}

		err := db.pool.QueryRow(ctx,
			`INSERT INTO runs (id, job_id, run_id, status, compute_sensitivities, created_at)
			 SELECT $1, $2, COALESCE(MAX(run_id), 0) + 1, $3, COALESCE(MAX(run_id), 0) + 1 = 1, $4
			 FROM runs WHERE job_id = $2
			 RETURNING run_id, compute_sensitivities`,
			run.ID, jobID, string(run.Status), run.CreatedAt,
		).Scan(&run.RunID, &run.ComputeSensitivities)
		if err == nil {
			return run, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			db.logger.Debug("run numbering collision, retrying", "job_id", jobID, "attempt", attempt)
			continue
		}
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return model.Run{}, fmt.Errorf("storage: create run: numbering contention on job %s", jobID)
}

// GetRun retrieves a run by job and per-job run number.
func (db *DB) GetRun(ctx context.Context, jobID uuid.UUID, runID int) (model.Run, error) {
	var r model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, job_id, run_id, status, compute_sensitivities, error_detail, created_at
		 FROM runs WHERE job_id = $1 AND run_id = $2`, jobID, runID,
	).Scan(&r.ID, &r.JobID, &r.RunID, &r.Status, &r.ComputeSensitivities, &r.ErrorDetail, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a job's runs, newest first.
func (db *DB) ListRuns(ctx context.Context, jobID uuid.UUID) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, run_id, status, compute_sensitivities, error_detail, created_at
		 FROM runs WHERE job_id = $1 ORDER BY run_id DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.JobID, &r.RunID, &r.Status, &r.ComputeSensitivities, &r.ErrorDetail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SetRunStatus moves a run to a new lifecycle state, recording optional
// error detail for failed triggers.
func (db *DB) SetRunStatus(ctx context.Context, jobID uuid.UUID, runID int, status model.RunState, errorDetail *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error_detail = $2 WHERE job_id = $3 AND run_id = $4`,
		string(status), errorDetail, jobID, runID)
	if err != nil {
		return fmt.Errorf("storage: set run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReleased transitions the run and its job to released in one
// transaction: both commit or neither does.
func (db *DB) MarkReleased(ctx context.Context, jobID uuid.UUID, runID int) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin mark released: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = $1 WHERE job_id = $2 AND run_id = $3`,
		string(model.RunStateReleased), jobID, runID)
	if err != nil {
		return fmt.Errorf("storage: mark run released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	tag, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $1 WHERE id = $2`, model.ReleasedJobStatus(), jobID)
	if err != nil {
		return fmt.Errorf("storage: mark job released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit mark released: %w", err)
	}
	return nil
}
