package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veildata/veil/internal/model"
)

// CreateJobWithInitialRun inserts a job, its first run and the entry-cost
// debit as one transaction. If the owner's review balance cannot cover the
// entry cost the whole transaction rolls back: no job or run row survives an
// unfunded creation.
//
// The first run always has run_id 1 and compute_sensitivities=true.
func (db *DB) CreateJobWithInitialRun(ctx context.Context, userID uuid.UUID, req model.CreateJobRequest) (model.Job, model.Run, error) {
	now := time.Now().UTC()
	job := model.Job{
		ID:          uuid.New(),
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		DatasetID:   req.DatasetID,
		Status:      model.DefaultJobStatus(),
		CreatedAt:   now,
	}
	run := model.Run{
		ID:                   uuid.New(),
		JobID:                job.ID,
		RunID:                1,
		Status:               model.RunStateCreated,
		ComputeSensitivities: true,
		CreatedAt:            now,
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Job{}, model.Run{}, fmt.Errorf("storage: begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, user_id, title, description, dataset_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.UserID, job.Title, job.Description, job.DatasetID, job.Status, job.CreatedAt,
	); err != nil {
		return model.Job{}, model.Run{}, fmt.Errorf("storage: create job: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (id, job_id, run_id, status, compute_sensitivities, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.JobID, run.RunID, string(run.Status), run.ComputeSensitivities, run.CreatedAt,
	); err != nil {
		return model.Job{}, model.Run{}, fmt.Errorf("storage: create initial run: %w", err)
	}

	// Entry cost for the funded first run. ErrInsufficientBudget aborts
	// the whole creation.
	if _, err := db.DebitBudgetTx(ctx, tx, userID, model.BudgetReview, model.EntryCost); err != nil {
		return model.Job{}, model.Run{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Job{}, model.Run{}, fmt.Errorf("storage: commit create job: %w", err)
	}
	return job, run, nil
}

// GetJob retrieves a job by ID.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	var j model.Job
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, title, description, dataset_id, script_ref, status, created_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.UserID, &j.Title, &j.Description, &j.DatasetID, &j.ScriptRef, &j.Status, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs newest first. A nil userID lists all jobs
// (engine/admin view); otherwise only the owner's.
func (db *DB) ListJobs(ctx context.Context, userID *uuid.UUID) ([]model.Job, error) {
	query := `SELECT id, user_id, title, description, dataset_id, script_ref, status, created_at
	          FROM jobs ORDER BY created_at DESC`
	args := []any{}
	if userID != nil {
		query = `SELECT id, user_id, title, description, dataset_id, script_ref, status, created_at
		         FROM jobs WHERE user_id = $1 ORDER BY created_at DESC`
		args = append(args, *userID)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.UserID, &j.Title, &j.Description, &j.DatasetID, &j.ScriptRef, &j.Status, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job and, via ON DELETE CASCADE, its runs.
func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJobScriptRef records the blob-store key of an uploaded script.
func (db *DB) SetJobScriptRef(ctx context.Context, id uuid.UUID, scriptRef string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET script_ref = $1 WHERE id = $2`, scriptRef, id)
	if err != nil {
		return fmt.Errorf("storage: set script ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJobStatus replaces a job's status blob. Reached only through the
// engine-role patch endpoint and the release pipeline.
func (db *DB) SetJobStatus(ctx context.Context, id uuid.UUID, status model.JobStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("storage: set job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
