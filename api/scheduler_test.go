package api_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconciliation-engine/api"
	"github.com/warp/reconciliation-engine/reconciliation"
	"github.com/warp/reconciliation-engine/reconciliation/store"
)

type schedulerFixture struct {
	orch      *reconciliation.Orchestrator
	scheduler *api.ReconciliationScheduler
	clock     *testClock
	source    *testSource
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mem := store.NewMemory()
	f := &schedulerFixture{
		clock:  &testClock{now: jan5},
		source: &testSource{reading: reconciliation.Reading{Membership: 1000, ClubCount: 50, AsOfDate: jan5}},
	}
	orch, err := reconciliation.NewOrchestrator(reconciliation.Options{
		Store:   mem,
		Configs: mem,
		Source:  f.source,
		Clock:   f.clock,
		Logger:  logger,
	})
	require.NoError(t, err)

	f.orch = orch
	f.scheduler = api.NewReconciliationScheduler(orch, logger)
	f.scheduler.Concurrency = 2
	return f
}

func (f *schedulerFixture) start(t *testing.T, district string) *reconciliation.Job {
	t.Helper()
	job, err := f.orch.StartReconciliation(context.Background(), reconciliation.StartRequest{
		DistrictID:  district,
		TargetMonth: "2024-01",
	})
	require.NoError(t, err)
	return job
}

func TestScheduler_TicksOnlyDueJobs(t *testing.T) {
	// GIVEN: Three new jobs, all due immediately
	f := newSchedulerFixture(t)
	ctx := context.Background()
	for _, d := range []string{"1", "2", "3"} {
		f.start(t, d)
	}

	// WHEN: Running a cycle
	res := f.scheduler.RunNow(ctx)

	// THEN: All three are ticked
	assert.Equal(t, 3, res.Due)
	assert.Equal(t, 3, res.Ticked)
	assert.Zero(t, res.Errors)

	// AND: A second cycle at the same instant finds nothing due
	res = f.scheduler.RunNow(ctx)
	assert.Zero(t, res.Due)
	assert.Zero(t, res.Ticked)
}

func TestScheduler_CompletesStableJobs(t *testing.T) {
	// GIVEN: A job ticked daily with unchanged data
	f := newSchedulerFixture(t)
	ctx := context.Background()
	job := f.start(t, "42")

	var last api.CycleResult
	for d := 0; d <= 3; d++ {
		at := jan5.Add(time.Duration(d) * 24 * time.Hour)
		f.clock.Set(at)
		f.source.Set(1000, at)
		last = f.scheduler.RunNow(ctx)
	}

	// THEN: The fourth tick finds 3 stable days and completes the job
	assert.Equal(t, 1, last.Completed)
	got, err := f.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusCompleted, got.Status)
}

func TestScheduler_CountsReadingFailures(t *testing.T) {
	f := newSchedulerFixture(t)
	f.start(t, "42")
	f.source.Fail(errors.New("connection refused"))

	res := f.scheduler.RunNow(context.Background())

	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Ticked)
	assert.Equal(t, 1, res.ReadingFailures)
	assert.Zero(t, res.Errors)
}

func TestScheduler_CancelledCycleLeavesJobsUntouched(t *testing.T) {
	// GIVEN: A cycle whose context is cancelled, as on shutdown
	f := newSchedulerFixture(t)
	job := f.start(t, "42")
	f.source.Fail(context.Canceled)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN: Running the cycle
	res := f.scheduler.RunNow(ctx)

	// THEN: The tick is skipped, not counted as a reading failure
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.ReadingFailures)
	assert.Zero(t, res.Errors)

	got, err := f.orch.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusActive, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestScheduler_RetentionCleanup(t *testing.T) {
	// GIVEN: A job cancelled long ago
	f := newSchedulerFixture(t)
	ctx := context.Background()
	job := f.start(t, "42")
	_, err := f.orch.CancelReconciliation(ctx, job.ID)
	require.NoError(t, err)

	f.scheduler.Retention = 7 * 24 * time.Hour
	f.clock.Set(jan5.Add(30 * 24 * time.Hour))

	// WHEN: Running a cycle
	res := f.scheduler.RunNow(ctx)

	// THEN: The expired job is removed
	assert.Equal(t, 1, res.Cleaned)
	_, err = f.orch.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, reconciliation.ErrJobNotFound)
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	f := newSchedulerFixture(t)
	job := f.start(t, "42")
	f.scheduler.CheckInterval = time.Hour

	f.scheduler.Start()
	defer f.scheduler.Stop()

	require.Eventually(t, func() bool {
		tl, err := f.orch.GetTimeline(context.Background(), job.ID)
		return err == nil && len(tl.Entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.scheduler.Stop()
	// Stopping twice is harmless.
	f.scheduler.Stop()
}

func TestScheduler_DisabledDoesNotRun(t *testing.T) {
	f := newSchedulerFixture(t)
	job := f.start(t, "42")
	f.scheduler.Enabled = false

	f.scheduler.Start()
	f.scheduler.Stop()

	tl, err := f.orch.GetTimeline(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, tl.Entries)
}
