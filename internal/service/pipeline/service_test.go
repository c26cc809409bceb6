package pipeline_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildata/veil/internal/engine"
	"github.com/veildata/veil/internal/ledger"
	"github.com/veildata/veil/internal/model"
	"github.com/veildata/veil/internal/objectstore"
	"github.com/veildata/veil/internal/results"
	"github.com/veildata/veil/internal/service/pipeline"
	"github.com/veildata/veil/internal/storage"
	"github.com/veildata/veil/internal/testutil"
)

var testDB *storage.DB

const sanitizedCSV = `statistic_id,analysis_id,analysis_name,epsilon,value
0,1,mean_income,0.1,52000
1,1,mean_income,0.2,0.41
2,2,poverty_rate,0.3,0.12
`

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// fixture bundles a pipeline Service with its fakes for one test.
type fixture struct {
	svc    *pipeline.Service
	blobs  *objectstore.MemoryStore
	engine *engine.Fake
	ledger *ledger.Ledger
	user   model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	user, err := testDB.CreateUser(context.Background(), model.CreateUserRequest{
		Email:  fmt.Sprintf("%s@example.org", uuid.NewString()),
		Role:   model.RoleResearcher,
		APIKey: "unused",
	}, "fake-hash")
	require.NoError(t, err)

	blobs := objectstore.NewMemoryStore()
	fake := &engine.Fake{}
	lg := ledger.New(testDB, testutil.TestLogger())
	svc := pipeline.New(testDB, lg, results.NewStore(blobs), fake,
		[]string{"cps", "puf_2012"}, testutil.TestLogger())

	return &fixture{svc: svc, blobs: blobs, engine: fake, ledger: lg, user: user}
}

func (f *fixture) review(t *testing.T) float64 {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), f.user.ID, model.BudgetReview)
	require.NoError(t, err)
	return balance
}

func (f *fixture) release(t *testing.T) float64 {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), f.user.ID, model.BudgetRelease)
	require.NoError(t, err)
	return balance
}

// seedSanitized writes a sanitized result table for a run, standing in for
// the engine's out-of-band output.
func (f *fixture) seedSanitized(t *testing.T, jobID uuid.UUID, runID int) {
	t.Helper()
	require.NoError(t, f.blobs.Put(context.Background(),
		results.SanitizedKey(jobID, runID),
		strings.NewReader(sanitizedCSV), int64(len(sanitizedCSV)), "text/csv"))
}

func TestCreateJobSubmitsFirstRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, run, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "income means",
		DatasetID: "cps",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, run.RunID)
	assert.Equal(t, model.RunStateSubmitted, run.Status)
	assert.Equal(t, model.DefaultReviewBudget-model.EntryCost, f.review(t))

	triggers := f.engine.Triggers()
	require.Len(t, triggers, 1)
	assert.Equal(t, job.ID, triggers[0].JobID)
	assert.Equal(t, 1, triggers[0].RunID)
	assert.True(t, triggers[0].ComputeSensitivities)
	assert.Equal(t, f.user.Email, triggers[0].UserEmail)
	assert.Empty(t, triggers[0].Epsilons)
}

func TestCreateJobUnknownDataset(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.CreateJob(context.Background(), f.user, model.CreateJobRequest{
		Title:     "bad dataset",
		DatasetID: "not-a-dataset",
	})
	assert.ErrorIs(t, err, pipeline.ErrValidation)
	assert.Empty(t, f.engine.Triggers())
	assert.Equal(t, model.DefaultReviewBudget, f.review(t))
}

func TestCreateJobTriggerRejectedKeepsEntryCharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.Err = fmt.Errorf("%w: script does not parse", engine.ErrTriggerRejected)

	job, run, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "broken script",
		DatasetID: "cps",
	})
	require.ErrorIs(t, err, engine.ErrTriggerRejected)
	assert.Equal(t, model.RunStateFailed, run.Status)

	// The job row and the entry charge both survive the failed trigger.
	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Status.OK)
	assert.Equal(t, model.DefaultReviewBudget-model.EntryCost, f.review(t))
}

func TestRefineDebitsAfterAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "refinable",
		DatasetID: "cps",
	})
	require.NoError(t, err)

	run, err := f.svc.Refine(ctx, f.user, job.ID, model.RefineRequest{
		Refined: []model.Epsilon{{StatisticID: 0, Epsilon: 0.2}, {StatisticID: 1, Epsilon: 0.3}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, run.RunID)
	assert.Equal(t, model.RunStateSubmitted, run.Status)
	assert.False(t, run.ComputeSensitivities)
	assert.Equal(t, model.DefaultReviewBudget-model.EntryCost-0.5, f.review(t))

	triggers := f.engine.Triggers()
	require.Len(t, triggers, 2)
	assert.Len(t, triggers[1].Epsilons, 2)
}

func TestRefineRejectsNonPositiveEpsilon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "strict validation",
		DatasetID: "cps",
	})
	require.NoError(t, err)

	// One bad override rejects the whole batch.
	_, err = f.svc.Refine(ctx, f.user, job.ID, model.RefineRequest{
		Refined: []model.Epsilon{{StatisticID: 0, Epsilon: 0.2}, {StatisticID: 1, Epsilon: 0}},
	})
	assert.ErrorIs(t, err, pipeline.ErrValidation)

	runs, err := testDB.ListRuns(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "no run row for a rejected batch")
	assert.Equal(t, model.DefaultReviewBudget-model.EntryCost, f.review(t))
}

func TestRefineInsufficientBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "poor analyst",
		DatasetID: "cps",
	})
	require.NoError(t, err)

	low := 0.1
	_, err = testDB.SetBudget(ctx, f.user.ID, model.BudgetPatch{Review: &low})
	require.NoError(t, err)

	_, err = f.svc.Refine(ctx, f.user, job.ID, model.RefineRequest{
		Refined: []model.Epsilon{{StatisticID: 0, Epsilon: 0.5}},
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBudget)

	runs, err := testDB.ListRuns(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "insufficient budget blocks run creation")
	assert.Equal(t, 0.1, f.review(t))
}

func TestRefineTriggerRejectedChargesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, _, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "engine says no",
		DatasetID: "cps",
	})
	require.NoError(t, err)

	f.engine.Err = fmt.Errorf("%w: epsilon out of range", engine.ErrTriggerRejected)
	run, err := f.svc.Refine(ctx, f.user, job.ID, model.RefineRequest{
		Refined: []model.Epsilon{{StatisticID: 0, Epsilon: 0.5}},
	})
	require.ErrorIs(t, err, engine.ErrTriggerRejected)
	assert.Equal(t, model.RunStateFailed, run.Status)
	assert.Equal(t, model.DefaultReviewBudget-model.EntryCost, f.review(t))

	got, err := testDB.GetRun(ctx, job.ID, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
}

func TestReleaseChargesSelectedCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, run, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "releasable",
		DatasetID: "cps",
	})
	require.NoError(t, err)
	f.seedSanitized(t, job.ID, run.RunID)

	subset, cost, err := f.svc.Release(ctx, f.user, job.ID, run.RunID, model.ReleaseRequest{
		AnalysisIDs: []int{1},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.30000000000000004, cost)
	assert.Len(t, subset.Rows, 2)
	assert.Equal(t, model.DefaultReleaseBudget-cost, f.release(t))
	// Review budget is untouched by release.
	assert.Equal(t, model.DefaultReviewBudget-model.EntryCost, f.review(t))

	got, err := testDB.GetRun(ctx, job.ID, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateReleased, got.Status)

	gotJob, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReleasedJobStatus(), gotJob.Status)

	released, err := results.NewStore(f.blobs).ReadReleased(ctx, job.ID, run.RunID)
	require.NoError(t, err)
	assert.Len(t, released.Rows, 2)
}

func TestReleaseInsufficientBudgetWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, run, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "blocked release",
		DatasetID: "cps",
	})
	require.NoError(t, err)
	f.seedSanitized(t, job.ID, run.RunID)

	low := 0.1
	_, err = testDB.SetBudget(ctx, f.user.ID, model.BudgetPatch{Release: &low})
	require.NoError(t, err)

	_, _, err = f.svc.Release(ctx, f.user, job.ID, run.RunID, model.ReleaseRequest{
		AnalysisIDs: []int{1},
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBudget)

	// The check fires before the artifact write, so nothing was published.
	_, err = results.NewStore(f.blobs).ReadReleased(ctx, job.ID, run.RunID)
	assert.ErrorIs(t, err, results.ErrNoResults)

	got, err := testDB.GetRun(ctx, job.ID, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateSubmitted, got.Status)
	assert.Equal(t, 0.1, f.release(t))
}

func TestDoubleReleaseChargesTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, run, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "double release",
		DatasetID: "cps",
	})
	require.NoError(t, err)
	f.seedSanitized(t, job.ID, run.RunID)

	sel := model.ReleaseRequest{AnalysisIDs: []int{2}}
	_, cost1, err := f.svc.Release(ctx, f.user, job.ID, run.RunID, sel)
	require.NoError(t, err)
	_, cost2, err := f.svc.Release(ctx, f.user, job.ID, run.RunID, sel)
	require.NoError(t, err)

	// Same artifact, but the release budget is charged per call.
	assert.Equal(t, cost1, cost2)
	assert.Equal(t, model.DefaultReleaseBudget-2*cost1, f.release(t))
}

func TestReleaseUnknownAnalysisIsFree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, run, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "empty selection result",
		DatasetID: "cps",
	})
	require.NoError(t, err)
	f.seedSanitized(t, job.ID, run.RunID)

	subset, cost, err := f.svc.Release(ctx, f.user, job.ID, run.RunID, model.ReleaseRequest{
		AnalysisIDs: []int{99},
	})
	require.NoError(t, err)
	assert.Zero(t, cost)
	assert.Empty(t, subset.Rows)
	assert.Equal(t, model.DefaultReleaseBudget, f.release(t))
}

func TestReleaseWithoutResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, run, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "no engine output yet",
		DatasetID: "cps",
	})
	require.NoError(t, err)

	_, _, err = f.svc.Release(ctx, f.user, job.ID, run.RunID, model.ReleaseRequest{
		AnalysisIDs: []int{1},
	})
	assert.ErrorIs(t, err, results.ErrNoResults)
}

func TestReleaseEmptySelection(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Release(context.Background(), f.user, uuid.New(), 1, model.ReleaseRequest{})
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestReleaseFailedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.Err = fmt.Errorf("%w: bad script", engine.ErrTriggerRejected)

	job, run, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "failed run",
		DatasetID: "cps",
	})
	require.ErrorIs(t, err, engine.ErrTriggerRejected)
	f.seedSanitized(t, job.ID, run.RunID)

	_, _, err = f.svc.Release(ctx, f.user, job.ID, run.RunID, model.ReleaseRequest{
		AnalysisIDs: []int{1},
	})
	assert.ErrorIs(t, err, pipeline.ErrRunNotReleasable)
}

func TestAnalysesAggregates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, run, err := f.svc.CreateJob(ctx, f.user, model.CreateJobRequest{
		Title:     "aggregation",
		DatasetID: "cps",
	})
	require.NoError(t, err)
	f.seedSanitized(t, job.ID, run.RunID)

	analyses, err := f.svc.Analyses(ctx, job.ID, run.RunID)
	require.NoError(t, err)
	require.Len(t, analyses, 2)
	assert.Equal(t, 1, analyses[0].AnalysisID)
	assert.Equal(t, "mean_income", analyses[0].AnalysisName)
	assert.Equal(t, 0.30000000000000004, analyses[0].EpsilonSum)
	assert.Equal(t, 2, analyses[1].AnalysisID)
	assert.Equal(t, "poverty_rate", analyses[1].AnalysisName)
	assert.Equal(t, 0.3, analyses[1].EpsilonSum)
}
