/*
progress.go - Progress tracking over a job's timeline

PURPOSE:
  Derives where a job stands from its stored timeline: phase, how many days
  the data has held still, whether the job may be finalized, when it is
  likely to finish, and aggregate statistics.

PHASE (derived, never stored on its own):
  monitoring   no successful reading yet, or daysStable below half the target
  stabilizing  daysStable at least half of, but below, stabilityPeriodDays
  finalizing   daysStable >= stabilityPeriodDays, job still active
  completed / failed / cancelled copied from the terminal job status

STABILITY:
  daysStable = whole days from the stability anchor to the latest
  successful entry. The anchor is the last significant entry, or the job
  start when nothing significant happened yet. Failed readings never
  extend stability.

READS:
  Everything is computed from stored entries, so repeated reads without an
  intervening tick return identical results. The deadline comparison in
  readiness is the only use of the clock.

SEE ALSO:
  - orchestrator.go: Acts on Evaluate's verdict
*/
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// =============================================================================
// RESULT TYPES
// =============================================================================

// Readiness is the finalization verdict for a job.
type Readiness struct {
	Ready  bool
	Forced bool
	Reason string
}

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// StabilityPeriod describes the current run of stable days.
type StabilityPeriod struct {
	ConsecutiveStableDays     int        `json:"consecutiveStableDays"`
	StabilityStartDate        *time.Time `json:"stabilityStartDate,omitempty"`
	LastSignificantChangeDate *time.Time `json:"lastSignificantChangeDate,omitempty"`
	IsInStabilityPeriod       bool       `json:"isInStabilityPeriod"`
	StabilityPeriodProgress   float64    `json:"stabilityPeriodProgress"`
	RequiredStabilityDays     int        `json:"requiredStabilityDays"`
}

// ProgressStatistics aggregates a job's timeline.
type ProgressStatistics struct {
	TotalEntries       int             `json:"totalEntries"`
	SignificantChanges int             `json:"significantChanges"`
	MinorChanges       int             `json:"minorChanges"`
	NoChangeEntries    int             `json:"noChangeEntries"`
	FailedReadings     int             `json:"failedReadings"`
	ChangeFrequency    float64         `json:"changeFrequency"`
	StabilityTrend     Trend           `json:"stabilityTrend"`
	StabilityPeriod    StabilityPeriod `json:"stabilityPeriod"`
}

// Evaluation is everything the orchestrator needs to decide a tick.
type Evaluation struct {
	Status    Status
	Readiness Readiness
}

// =============================================================================
// PROGRESS TRACKER
// =============================================================================

// ProgressTracker reads jobs and timelines from the store and derives status.
// It writes only timelines.
type ProgressTracker struct {
	store JobStore
	clock Clock
}

func NewProgressTracker(store JobStore, clock Clock) *ProgressTracker {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ProgressTracker{store: store, clock: clock}
}

// Evaluate derives status and readiness for job given its entries.
func (pt *ProgressTracker) Evaluate(job *Job, entries []Entry, now time.Time) Evaluation {
	a := analyze(job, entries)
	return Evaluation{
		Status:    a.status(job),
		Readiness: a.readiness(job, now),
	}
}

// GetStatus returns the derived status of a job.
func (pt *ProgressTracker) GetStatus(ctx context.Context, id JobID) (Status, error) {
	job, tl, err := pt.load(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return analyze(job, tl.Entries).status(job), nil
}

// IsReadyForFinalization reports whether the job may be finalized now.
func (pt *ProgressTracker) IsReadyForFinalization(ctx context.Context, id JobID) (bool, error) {
	r, err := pt.FinalizationReadiness(ctx, id)
	return r.Ready, err
}

// FinalizationReadiness is IsReadyForFinalization with the reason attached.
func (pt *ProgressTracker) FinalizationReadiness(ctx context.Context, id JobID) (Readiness, error) {
	job, tl, err := pt.load(ctx, id)
	if err != nil {
		return Readiness{}, err
	}
	return analyze(job, tl.Entries).readiness(job, pt.clock.Now()), nil
}

// EstimateCompletion projects when the job will finalize. ok is false when
// there is no history to project from.
func (pt *ProgressTracker) EstimateCompletion(ctx context.Context, id JobID) (time.Time, bool, error) {
	job, tl, err := pt.load(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}
	est, ok := analyze(job, tl.Entries).estimate(job, pt.clock.Now())
	return est, ok, nil
}

// GetProgressStatistics aggregates the job's timeline.
func (pt *ProgressTracker) GetProgressStatistics(ctx context.Context, id JobID) (ProgressStatistics, error) {
	job, tl, err := pt.load(ctx, id)
	if err != nil {
		return ProgressStatistics{}, err
	}
	return analyze(job, tl.Entries).statistics(job, tl.Entries), nil
}

// RecordEntry appends entry to the job's timeline in s and refreshes the
// stored status. job must already carry the tick's outcome.
func (pt *ProgressTracker) RecordEntry(ctx context.Context, s JobStore, job *Job, entry Entry) (*Timeline, error) {
	tl, err := s.GetTimeline(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	tl.Entries = append(tl.Entries, entry)
	pt.refresh(job, tl)

	if err := s.SaveTimeline(ctx, *tl, pt.clock.Now()); err != nil {
		return nil, err
	}
	return tl, nil
}

// RefreshTimeline rewrites the stored status after a job change that did
// not add an entry (cancel, extend, manual finalize).
func (pt *ProgressTracker) RefreshTimeline(ctx context.Context, s JobStore, job *Job) error {
	tl, err := s.GetTimeline(ctx, job.ID)
	if err != nil {
		return err
	}
	pt.refresh(job, tl)
	return s.SaveTimeline(ctx, *tl, pt.clock.Now())
}

// CurrentTimeline returns the stored timeline with a freshly derived status.
func (pt *ProgressTracker) CurrentTimeline(ctx context.Context, id JobID) (*Timeline, error) {
	job, tl, err := pt.load(ctx, id)
	if err != nil {
		return nil, err
	}
	pt.refresh(job, tl)
	return tl, nil
}

func (pt *ProgressTracker) refresh(job *Job, tl *Timeline) {
	a := analyze(job, tl.Entries)
	tl.JobID = job.ID
	tl.Status = a.status(job)
	tl.EstimatedCompletion = nil
	if est, ok := a.estimate(job, pt.clock.Now()); ok {
		tl.EstimatedCompletion = &est
	}
}

func (pt *ProgressTracker) load(ctx context.Context, id JobID) (*Job, *Timeline, error) {
	job, err := pt.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tl, err := pt.store.GetTimeline(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return job, tl, nil
}

// =============================================================================
// ANALYSIS - Pure functions over a job and its entries
// =============================================================================

type analysis struct {
	successful      int
	latestEntry     *time.Time
	latestSuccess   *time.Time
	lastSignificant *time.Time
	lastChange      *time.Time
	stabilityStart  *time.Time
	daysStable      int
	daysActive      int
}

func analyze(job *Job, entries []Entry) analysis {
	var a analysis

	for _, e := range entries {
		date := e.Date
		a.latestEntry = &date
		if e.Failed() {
			continue
		}
		a.successful++
		a.latestSuccess = &date
		if e.Changes.HasChanges {
			a.lastChange = &date
		}
		if e.IsSignificant {
			a.lastSignificant = &date
			a.stabilityStart = nil
		} else if a.stabilityStart == nil {
			a.stabilityStart = &date
		}
	}

	if a.latestEntry != nil {
		a.daysActive = wholeDays(a.latestEntry.Sub(job.StartDate))
	}

	if a.latestSuccess != nil {
		anchor := job.StartDate
		if a.lastSignificant != nil {
			anchor = *a.lastSignificant
		}
		a.daysStable = wholeDays(a.latestSuccess.Sub(anchor))
	}

	return a
}

func (a analysis) phase(job *Job) Phase {
	switch job.Status {
	case StatusCompleted:
		return PhaseCompleted
	case StatusFailed:
		return PhaseFailed
	case StatusCancelled:
		return PhaseCancelled
	}

	target := job.Config.StabilityPeriodDays
	switch {
	case a.successful == 0 || a.daysStable*2 < target:
		return PhaseMonitoring
	case a.daysStable < target:
		return PhaseStabilizing
	default:
		return PhaseFinalizing
	}
}

func (a analysis) status(job *Job) Status {
	phase := a.phase(job)
	target := job.Config.StabilityPeriodDays

	var msg string
	switch phase {
	case PhaseMonitoring:
		if a.successful == 0 {
			msg = "Waiting for first data reading"
		} else {
			msg = fmt.Sprintf("Monitoring for changes (%d of %d stable days)", a.daysStable, target)
		}
	case PhaseStabilizing:
		msg = fmt.Sprintf("Data stabilizing (%d of %d stable days)", a.daysStable, target)
	case PhaseFinalizing:
		msg = "Stability period reached, finalization pending"
	default:
		msg = job.Message
		if msg == "" {
			msg = fmt.Sprintf("Reconciliation %s", job.Status)
		}
	}

	st := Status{
		Phase:          phase,
		DaysActive:     a.daysActive,
		DaysStable:     a.daysStable,
		LastChangeDate: a.lastChange,
		Message:        msg,
	}
	if job.IsActive() {
		st.NextCheckDate = job.NextCheckDate
	}
	return st
}

func (a analysis) readiness(job *Job, now time.Time) Readiness {
	target := job.Config.StabilityPeriodDays
	if a.daysStable >= target {
		return Readiness{
			Ready:  true,
			Reason: fmt.Sprintf("data stable for %d days (required %d)", a.daysStable, target),
		}
	}
	if !now.Before(job.MaxEndDate) && job.RemainingExtension() == 0 {
		return Readiness{
			Ready:  true,
			Forced: true,
			Reason: fmt.Sprintf("maximum reconciliation period reached with %d of %d stable days; data may not be final",
				a.daysStable, target),
		}
	}
	return Readiness{
		Reason: fmt.Sprintf("%d of %d stable days", a.daysStable, target),
	}
}

func (a analysis) estimate(job *Job, now time.Time) (time.Time, bool) {
	if a.latestEntry == nil {
		return time.Time{}, false
	}
	if job.Status.IsTerminal() {
		if job.FinalizedDate != nil {
			return *job.FinalizedDate, true
		}
		if job.EndDate != nil {
			return *job.EndDate, true
		}
		return time.Time{}, false
	}

	target := job.Config.StabilityPeriodDays
	if a.daysStable >= target {
		return now, true
	}
	est := now.Add(time.Duration(target-a.daysStable) * day)
	if est.After(job.MaxEndDate) {
		est = job.MaxEndDate
	}
	return est, true
}

func (a analysis) statistics(job *Job, entries []Entry) ProgressStatistics {
	stats := ProgressStatistics{
		TotalEntries:   len(entries),
		StabilityTrend: TrendStable,
	}

	var outcomes []bool
	for _, e := range entries {
		switch {
		case e.Failed():
			stats.FailedReadings++
			continue
		case e.IsSignificant:
			stats.SignificantChanges++
		case e.Changes.HasChanges:
			stats.MinorChanges++
		default:
			stats.NoChangeEntries++
		}
		outcomes = append(outcomes, e.IsSignificant)
	}

	if a.latestEntry != nil {
		elapsed := decimal.NewFromFloat(a.latestEntry.Sub(job.StartDate).Hours() / 24)
		if elapsed.LessThan(decimal.NewFromInt(1)) {
			elapsed = decimal.NewFromInt(1)
		}
		f, _ := decimal.NewFromInt(int64(stats.SignificantChanges)).Div(elapsed).Round(2).Float64()
		stats.ChangeFrequency = f
	}

	stats.StabilityTrend = trend(outcomes)

	target := job.Config.StabilityPeriodDays
	progress := decimal.NewFromInt(int64(a.daysStable)).
		Div(decimal.NewFromInt(int64(target))).
		Mul(decimal.NewFromInt(100)).
		Round(2)
	if progress.GreaterThan(decimal.NewFromInt(100)) {
		progress = decimal.NewFromInt(100)
	}
	pf, _ := progress.Float64()

	stats.StabilityPeriod = StabilityPeriod{
		ConsecutiveStableDays:     a.daysStable,
		StabilityStartDate:        a.stabilityStart,
		LastSignificantChangeDate: a.lastSignificant,
		IsInStabilityPeriod:       a.daysStable > 0,
		StabilityPeriodProgress:   pf,
		RequiredStabilityDays:     target,
	}
	return stats
}

// trend compares the significant-change rate of the most recent third of
// outcomes against the two thirds before it.
func trend(significant []bool) Trend {
	n := len(significant)
	if n < 3 {
		return TrendStable
	}
	split := n - n/3
	prior, recent := significant[:split], significant[split:]

	count := func(xs []bool) int {
		c := 0
		for _, x := range xs {
			if x {
				c++
			}
		}
		return c
	}

	// recentRate vs priorRate, cross-multiplied to stay in integers
	lhs := count(recent) * len(prior)
	rhs := count(prior) * len(recent)
	switch {
	case lhs < rhs:
		return TrendImproving
	case lhs > rhs:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func wholeDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / day)
}
