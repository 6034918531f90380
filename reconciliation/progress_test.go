package reconciliation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconciliation-engine/reconciliation"
	"github.com/warp/reconciliation-engine/reconciliation/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var feb1 = time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

func activeJob(cfg reconciliation.Config) *reconciliation.Job {
	return &reconciliation.Job{
		ID:            "job-p",
		DistrictID:    "42",
		TargetMonth:   "2024-01",
		Status:        reconciliation.StatusActive,
		StartDate:     feb1,
		MaxEndDate:    feb1.AddDate(0, 0, cfg.MaxReconciliationDays),
		NextCheckDate: feb1,
		Config:        cfg,
		Metadata:      reconciliation.JobMetadata{CreatedAt: feb1, UpdatedAt: feb1},
	}
}

// entryOn builds a successful entry n days after feb1.
func entryOn(n int, significant, changed bool) reconciliation.Entry {
	r := reconciliation.Reading{Membership: 1000, AsOfDate: feb1.Add(day(n))}
	return reconciliation.Entry{
		Date:           feb1.Add(day(n)),
		SourceDataDate: r.AsOfDate,
		Changes:        reconciliation.DataChanges{HasChanges: changed || significant, ChangedFields: []string{}},
		IsSignificant:  significant,
		Reading:        &r,
	}
}

func failedOn(n int) reconciliation.Entry {
	return reconciliation.Entry{Date: feb1.Add(day(n)), Error: "timeout"}
}

// seed stores job and entries and returns a tracker over them.
func seed(t *testing.T, job *reconciliation.Job, entries []reconciliation.Entry, now time.Time) *reconciliation.ProgressTracker {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateJob(ctx, *job))
	require.NoError(t, m.SaveTimeline(ctx, reconciliation.Timeline{JobID: job.ID, Entries: entries}, now))
	return reconciliation.NewProgressTracker(m, &fakeClock{now: now})
}

// =============================================================================
// PHASE & STATUS
// =============================================================================

func TestEvaluate_NoEntries_WaitingForFirstReading(t *testing.T) {
	job := activeJob(reconciliation.DefaultConfig())
	tracker := reconciliation.NewProgressTracker(nil, nil)

	ev := tracker.Evaluate(job, nil, feb1)

	assert.Equal(t, reconciliation.PhaseMonitoring, ev.Status.Phase)
	assert.Equal(t, "Waiting for first data reading", ev.Status.Message)
	assert.Nil(t, ev.Status.LastChangeDate)
	assert.Equal(t, feb1, ev.Status.NextCheckDate)
	assert.False(t, ev.Readiness.Ready)
}

func TestEvaluate_PhaseProgression(t *testing.T) {
	// stabilityPeriodDays = 4: monitoring below 2 stable days,
	// stabilizing at 2-3, finalizing at 4.
	cfg := reconciliation.DefaultConfig()
	cfg.StabilityPeriodDays = 4
	job := activeJob(cfg)
	tracker := reconciliation.NewProgressTracker(nil, nil)

	tests := []struct {
		lastDay int
		stable  int
		phase   reconciliation.Phase
	}{
		{1, 1, reconciliation.PhaseMonitoring},
		{2, 2, reconciliation.PhaseStabilizing},
		{3, 3, reconciliation.PhaseStabilizing},
		{4, 4, reconciliation.PhaseFinalizing},
	}

	for _, tt := range tests {
		var entries []reconciliation.Entry
		for d := 0; d <= tt.lastDay; d++ {
			entries = append(entries, entryOn(d, false, false))
		}
		ev := tracker.Evaluate(job, entries, feb1.Add(day(tt.lastDay)))

		assert.Equal(t, tt.stable, ev.Status.DaysStable, "day %d", tt.lastDay)
		assert.Equal(t, tt.phase, ev.Status.Phase, "day %d", tt.lastDay)
		assert.Equal(t, tt.lastDay, ev.Status.DaysActive)
	}
}

func TestEvaluate_TerminalStatusDrivesPhase(t *testing.T) {
	tracker := reconciliation.NewProgressTracker(nil, nil)
	entries := []reconciliation.Entry{entryOn(0, false, false)}

	for status, phase := range map[reconciliation.JobStatus]reconciliation.Phase{
		reconciliation.StatusCompleted: reconciliation.PhaseCompleted,
		reconciliation.StatusFailed:    reconciliation.PhaseFailed,
		reconciliation.StatusCancelled: reconciliation.PhaseCancelled,
	} {
		job := activeJob(reconciliation.DefaultConfig())
		job.Status = status
		job.Message = "done"

		st := tracker.Evaluate(job, entries, feb1).Status
		assert.Equal(t, phase, st.Phase)
		assert.Equal(t, "done", st.Message)
		assert.True(t, st.NextCheckDate.IsZero(), "terminal jobs have no next check")
	}
}

func TestEvaluate_FailedReadingsDoNotExtendStability(t *testing.T) {
	job := activeJob(reconciliation.DefaultConfig())
	tracker := reconciliation.NewProgressTracker(nil, nil)

	entries := []reconciliation.Entry{
		entryOn(0, false, false),
		entryOn(1, false, false),
		failedOn(2),
		failedOn(3),
		failedOn(4),
	}
	ev := tracker.Evaluate(job, entries, feb1.Add(day(4)))

	assert.Equal(t, 1, ev.Status.DaysStable)
	assert.Equal(t, 4, ev.Status.DaysActive)
	assert.False(t, ev.Readiness.Ready)
}

// =============================================================================
// READINESS
// =============================================================================

func TestReadiness_ForcedAtDeadlineWithoutExtension(t *testing.T) {
	cfg := reconciliation.DefaultConfig()
	cfg.AutoExtensionEnabled = false
	job := activeJob(cfg)
	tracker := reconciliation.NewProgressTracker(nil, nil)
	entries := []reconciliation.Entry{entryOn(0, false, false), entryOn(1, true, true)}

	before := tracker.Evaluate(job, entries, job.MaxEndDate.Add(-time.Hour)).Readiness
	assert.False(t, before.Ready)

	at := tracker.Evaluate(job, entries, job.MaxEndDate).Readiness
	assert.True(t, at.Ready)
	assert.True(t, at.Forced)
	assert.Contains(t, at.Reason, "data may not be final")
}

func TestReadiness_ExtensionAvailable_NotForced(t *testing.T) {
	job := activeJob(reconciliation.DefaultConfig())
	tracker := reconciliation.NewProgressTracker(nil, nil)
	entries := []reconciliation.Entry{entryOn(0, true, true)}

	r := tracker.Evaluate(job, entries, job.MaxEndDate.Add(time.Hour)).Readiness
	assert.False(t, r.Ready)
}

// =============================================================================
// STATISTICS
// =============================================================================

func TestStatistics_CountsTrendAndFrequency(t *testing.T) {
	// GIVEN: Significant on days 1,2,4; minor on 5; quiet on 3,6; a failure on 7
	// THEN: Counts per category, frequency 3/7 per day, improving trend

	job := activeJob(reconciliation.DefaultConfig())
	entries := []reconciliation.Entry{
		entryOn(1, true, true),
		entryOn(2, true, true),
		entryOn(3, false, false),
		entryOn(4, true, true),
		entryOn(5, false, true),
		entryOn(6, false, false),
		failedOn(7),
	}
	tracker := seed(t, job, entries, feb1.Add(day(7)))

	stats, err := tracker.GetProgressStatistics(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, 7, stats.TotalEntries)
	assert.Equal(t, 3, stats.SignificantChanges)
	assert.Equal(t, 1, stats.MinorChanges)
	assert.Equal(t, 2, stats.NoChangeEntries)
	assert.Equal(t, 1, stats.FailedReadings)
	assert.Equal(t, 0.43, stats.ChangeFrequency)
	assert.Equal(t, reconciliation.TrendImproving, stats.StabilityTrend)

	sp := stats.StabilityPeriod
	assert.Equal(t, 2, sp.ConsecutiveStableDays)
	assert.Equal(t, 66.67, sp.StabilityPeriodProgress)
	assert.Equal(t, 3, sp.RequiredStabilityDays)
	assert.True(t, sp.IsInStabilityPeriod)
	require.NotNil(t, sp.LastSignificantChangeDate)
	assert.Equal(t, feb1.Add(day(4)), *sp.LastSignificantChangeDate)
	require.NotNil(t, sp.StabilityStartDate)
	assert.Equal(t, feb1.Add(day(5)), *sp.StabilityStartDate)
}

func TestStatistics_Trend(t *testing.T) {
	tests := []struct {
		name    string
		pattern []bool
		want    reconciliation.Trend
	}{
		{"too few entries", []bool{true, false}, reconciliation.TrendStable},
		{"changes drying up", []bool{true, true, true, false, false, false}, reconciliation.TrendImproving},
		{"changes picking up", []bool{false, false, false, false, true, true}, reconciliation.TrendDeclining},
		{"steady rate", []bool{true, false, true, false, true, false}, reconciliation.TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := activeJob(reconciliation.DefaultConfig())
			var entries []reconciliation.Entry
			for i, sig := range tt.pattern {
				entries = append(entries, entryOn(i+1, sig, sig))
			}
			tracker := seed(t, job, entries, feb1.Add(day(len(entries))))

			stats, err := tracker.GetProgressStatistics(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stats.StabilityTrend)
		})
	}
}

func TestStatistics_Idempotent(t *testing.T) {
	job := activeJob(reconciliation.DefaultConfig())
	entries := []reconciliation.Entry{entryOn(1, true, true), entryOn(2, false, false), entryOn(3, false, true)}
	tracker := seed(t, job, entries, feb1.Add(day(3)))
	ctx := context.Background()

	s1, err := tracker.GetProgressStatistics(ctx, job.ID)
	require.NoError(t, err)
	s2, err := tracker.GetProgressStatistics(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	r1, err := tracker.IsReadyForFinalization(ctx, job.ID)
	require.NoError(t, err)
	r2, err := tracker.IsReadyForFinalization(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestStatistics_UnknownJob_NotFound(t *testing.T) {
	tracker := reconciliation.NewProgressTracker(store.NewMemory(), nil)

	_, err := tracker.GetProgressStatistics(context.Background(), "nope")
	assert.ErrorIs(t, err, reconciliation.ErrJobNotFound)
}

// =============================================================================
// ESTIMATE
// =============================================================================

func TestEstimateCompletion(t *testing.T) {
	ctx := context.Background()

	t.Run("no history", func(t *testing.T) {
		job := activeJob(reconciliation.DefaultConfig())
		tracker := seed(t, job, nil, feb1)

		_, ok, err := tracker.EstimateCompletion(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("remaining stable days from now", func(t *testing.T) {
		job := activeJob(reconciliation.DefaultConfig())
		now := feb1.Add(day(2))
		tracker := seed(t, job, []reconciliation.Entry{entryOn(2, true, true)}, now)

		est, ok, err := tracker.EstimateCompletion(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, now.Add(day(3)), est)
	})

	t.Run("clamped to deadline", func(t *testing.T) {
		job := activeJob(reconciliation.DefaultConfig())
		now := feb1.Add(day(14))
		tracker := seed(t, job, []reconciliation.Entry{entryOn(14, true, true)}, now)

		est, ok, err := tracker.EstimateCompletion(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, job.MaxEndDate, est)
	})

	t.Run("terminal job reports finalized date", func(t *testing.T) {
		job := activeJob(reconciliation.DefaultConfig())
		done := feb1.Add(day(4))
		job.Status = reconciliation.StatusCompleted
		job.EndDate = &done
		job.FinalizedDate = &done
		tracker := seed(t, job, []reconciliation.Entry{entryOn(4, false, false)}, feb1.Add(day(10)))

		est, ok, err := tracker.EstimateCompletion(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, done, est)
	})
}
