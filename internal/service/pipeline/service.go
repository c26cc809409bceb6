// Package pipeline orchestrates the job lifecycle: creation with the entry
// charge, refinement runs, and release of selected statistics.
//
// Budget ordering is fixed: checks happen before any external work, the
// authoritative debit happens after the engine accepts (refinement) or after
// the released artifact is written (release). The ledger's conditional
// update makes the debit itself safe under concurrency; this package only
// sequences it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/veildata/veil/internal/engine"
	"github.com/veildata/veil/internal/ledger"
	"github.com/veildata/veil/internal/model"
	"github.com/veildata/veil/internal/results"
	"github.com/veildata/veil/internal/storage"
)

// ErrValidation marks caller input rejected before any state change.
var ErrValidation = errors.New("pipeline: validation failed")

// ErrRunNotReleasable means the run is not in a state that allows release
// or refinement bookkeeping (e.g. refining a failed run's outputs).
var ErrRunNotReleasable = errors.New("pipeline: run has no releasable results")

// Service wires storage, the ledger, the result store and the engine into
// the job lifecycle operations.
type Service struct {
	db       *storage.DB
	ledger   *ledger.Ledger
	results  *results.Store
	engine   engine.Invoker
	datasets []string
	logger   *slog.Logger
}

// New creates a pipeline Service.
func New(db *storage.DB, lg *ledger.Ledger, rs *results.Store, inv engine.Invoker, datasets []string, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		ledger:   lg,
		results:  rs,
		engine:   inv,
		datasets: datasets,
		logger:   logger,
	}
}

// CreateJob creates a job with its first run, charging the flat entry cost
// in the same transaction. The engine is then triggered for run 1 with
// sensitivity computation enabled. A rejected trigger fails the run but
// keeps the job and the entry charge: the analyst fixes the script and
// refines, they do not re-enter.
func (s *Service) CreateJob(ctx context.Context, user model.User, req model.CreateJobRequest) (model.Job, model.Run, error) {
	if err := req.Validate(s.datasets); err != nil {
		return model.Job{}, model.Run{}, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	job, run, err := s.db.CreateJobWithInitialRun(ctx, user.ID, req)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientBudget) {
			return model.Job{}, model.Run{}, ledger.ErrInsufficientBudget
		}
		return model.Job{}, model.Run{}, err
	}

	s.logger.Info("job created",
		"job_id", job.ID, "user_id", user.ID, "dataset_id", job.DatasetID, "entry_cost", model.EntryCost)

	run, err = s.trigger(ctx, user, job, run, nil)
	if err != nil && run.Status == model.RunStateFailed {
		job.Status = model.JobStatus{OK: false, Info: "engine trigger failed", ErrorMsg: run.ErrorDetail}
	}
	return job, run, err
}

// trigger submits a created run to the engine and records the outcome.
// Used by job creation and by refinement after the run row exists.
func (s *Service) trigger(ctx context.Context, user model.User, job model.Job, run model.Run, epsilons []model.Epsilon) (model.Run, error) {
	scriptRef := ""
	if job.ScriptRef != nil {
		scriptRef = *job.ScriptRef
	}

	err := s.engine.Trigger(ctx, engine.TriggerRequest{
		JobID:                job.ID,
		RunID:                run.RunID,
		UserEmail:            user.Email,
		DatasetID:            job.DatasetID,
		ScriptRef:            scriptRef,
		ComputeSensitivities: run.ComputeSensitivities,
		Epsilons:             epsilons,
	})
	if err != nil {
		detail := err.Error()
		run.Status = model.RunStateFailed
		run.ErrorDetail = &detail
		if serr := s.db.SetRunStatus(ctx, job.ID, run.RunID, model.RunStateFailed, &detail); serr != nil {
			return run, fmt.Errorf("pipeline: record failed run: %w", serr)
		}
		if serr := s.db.SetJobStatus(ctx, job.ID, model.JobStatus{OK: false, Info: "engine trigger failed", ErrorMsg: &detail}); serr != nil {
			return run, fmt.Errorf("pipeline: record failed job status: %w", serr)
		}
		s.logger.Warn("engine trigger failed",
			"job_id", job.ID, "run_id", run.RunID, "error", err)
		return run, err
	}

	if err := s.db.SetRunStatus(ctx, job.ID, run.RunID, model.RunStateSubmitted, nil); err != nil {
		return run, fmt.Errorf("pipeline: mark run submitted: %w", err)
	}
	run.Status = model.RunStateSubmitted
	return run, nil
}

// Refine starts a new run with per-statistic epsilon overrides. The whole
// batch is validated first; one bad override rejects everything. The review
// budget is checked before the run exists and debited only after the engine
// accepts, so a rejected trigger costs nothing.
func (s *Service) Refine(ctx context.Context, user model.User, jobID uuid.UUID, req model.RefineRequest) (model.Run, error) {
	cost, err := results.SumCost(req.Refined)
	if err != nil {
		return model.Run{}, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	job, err := s.db.GetJob(ctx, jobID)
	if err != nil {
		return model.Run{}, err
	}

	ok, err := s.ledger.Check(ctx, user.ID, model.BudgetReview, cost)
	if err != nil {
		return model.Run{}, err
	}
	if !ok {
		return model.Run{}, ledger.ErrInsufficientBudget
	}

	run, err := s.db.CreateRun(ctx, jobID)
	if err != nil {
		return model.Run{}, err
	}

	run, err = s.trigger(ctx, user, job, run, req.Refined)
	if err != nil {
		// Failed trigger: run is marked failed, nothing is charged.
		return run, err
	}

	if _, err := s.ledger.Debit(ctx, user.ID, model.BudgetReview, cost); err != nil {
		return run, err
	}
	s.logger.Info("refinement submitted",
		"job_id", jobID, "run_id", run.RunID, "cost", cost)
	return run, nil
}

// Release publishes the statistics of the selected analyses from a run's
// sanitized results. Protocol order: read sanitized, select, check release
// budget, write the released artifact, debit, mark released.
//
// If the debit fails after the artifact is written, the artifact remains in
// the object store while run and job stay unreleased; the next successful
// release of the same selection overwrites it. Releasing the same run twice
// rewrites the same artifact but charges the release budget again.
func (s *Service) Release(ctx context.Context, user model.User, jobID uuid.UUID, runID int, req model.ReleaseRequest) (*results.Table, float64, error) {
	if len(req.AnalysisIDs) == 0 {
		return nil, 0, fmt.Errorf("%w: no analyses selected", ErrValidation)
	}

	run, err := s.db.GetRun(ctx, jobID, runID)
	if err != nil {
		return nil, 0, err
	}
	if run.Status != model.RunStateSubmitted && run.Status != model.RunStateReleased {
		return nil, 0, fmt.Errorf("%w: run is %s", ErrRunNotReleasable, run.Status)
	}

	table, err := s.results.ReadSanitized(ctx, jobID, runID)
	if err != nil {
		return nil, 0, err
	}

	subset, cost := table.Select(req.AnalysisIDs)

	ok, err := s.ledger.Check(ctx, user.ID, model.BudgetRelease, cost)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ledger.ErrInsufficientBudget
	}

	if err := s.results.WriteReleased(ctx, jobID, runID, subset); err != nil {
		return nil, 0, err
	}

	if _, err := s.ledger.Debit(ctx, user.ID, model.BudgetRelease, cost); err != nil {
		// The artifact is already written. Leaving it is preferable to a
		// delete that could race a concurrent successful release.
		s.logger.Error("release debit failed after artifact write",
			"job_id", jobID, "run_id", runID, "cost", cost, "error", err)
		return nil, 0, err
	}

	if err := s.db.MarkReleased(ctx, jobID, runID); err != nil {
		return nil, 0, fmt.Errorf("pipeline: mark released: %w", err)
	}

	s.logger.Info("statistics released",
		"job_id", jobID, "run_id", runID, "analyses", len(req.AnalysisIDs), "cost", cost)
	return subset, cost, nil
}

// Analyses lists the analyses present in a run's sanitized results with
// their summed epsilon cost, for the analyst to choose a release selection.
func (s *Service) Analyses(ctx context.Context, jobID uuid.UUID, runID int) ([]results.AnalysisCost, error) {
	table, err := s.results.ReadSanitized(ctx, jobID, runID)
	if err != nil {
		return nil, err
	}
	return table.Aggregate(), nil
}
