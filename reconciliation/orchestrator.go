/*
orchestrator.go - Reconciliation job lifecycle

PURPOSE:
  The Orchestrator is the only component that changes job status. It starts
  jobs, runs ticks, applies the extension policy, finalizes, cancels and
  owns the default configuration.

TICK FLOW:
  1. Obtain the per-job lock (ticks for one job never overlap)
  2. Re-read the job; only active jobs tick
  3. Pull a reading from the DataSource with a bounded wait
  4. In one store transaction:
     a. re-read the job; if it is no longer active, discard everything
     b. compare against the previous reading (or the baseline)
     c. append the timeline entry and decide:
        stable          -> completed
        past deadline   -> extend, or force-finalize when out of extension
        otherwise       -> next check in checkFrequencyHours
  5. Publish events, release the lock

FAILED READINGS:
  Recorded on the timeline and retried at the next scheduled tick, never
  immediately. MaxConsecutiveFailures failures in a row, or a failure at an
  unextendable deadline, fail the job. A failed reading is never treated as
  "no change".

STATE:
  Nothing is cached between calls. Every operation re-reads the store, so
  a restarted process resumes from persisted nextCheckDate values.

SEE ALSO:
  - progress.go: Readiness and status derivation
  - changes.go: Change detection
  - api/scheduler.go: Drives Tick for due jobs
*/
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReadingTimeout         = 30 * time.Second
	DefaultLockTTL                = 5 * time.Minute
	DefaultMaxConsecutiveFailures = 3
)

// =============================================================================
// OPTIONS & CONSTRUCTION
// =============================================================================

// Options wires the orchestrator's collaborators. Store and Source are
// required; everything else has a default.
type Options struct {
	Store   TxJobStore
	Configs ConfigStore
	Source  DataSource
	Locker  Locker
	Events  EventSink
	Clock   Clock
	Logger  logrus.FieldLogger

	// Defaults is the policy used when Configs holds none. Zero means DefaultConfig().
	Defaults Config

	ReadingTimeout         time.Duration
	LockTTL                time.Duration
	MaxConsecutiveFailures int

	NewID func() JobID
}

// Orchestrator owns the job lifecycle.
type Orchestrator struct {
	store   TxJobStore
	configs ConfigStore
	source  DataSource
	locker  Locker
	events  EventSink
	clock   Clock
	logger  logrus.FieldLogger
	tracker *ProgressTracker

	readingTimeout time.Duration
	lockTTL        time.Duration
	maxFailures    int
	newID          func() JobID

	// defaults is used only when no ConfigStore is wired.
	mu       sync.RWMutex
	defaults Config
}

// NewOrchestrator validates opts and fills in defaults.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("reconciliation: store is required")
	}
	if opts.Source == nil {
		return nil, errors.New("reconciliation: data source is required")
	}

	defaults := opts.Defaults
	if defaults == (Config{}) {
		defaults = DefaultConfig()
	}
	if err := defaults.Check(); err != nil {
		return nil, fmt.Errorf("reconciliation: invalid default config: %w", err)
	}

	o := &Orchestrator{
		store:          opts.Store,
		configs:        opts.Configs,
		source:         opts.Source,
		locker:         opts.Locker,
		events:         opts.Events,
		clock:          opts.Clock,
		logger:         opts.Logger,
		readingTimeout: opts.ReadingTimeout,
		lockTTL:        opts.LockTTL,
		maxFailures:    opts.MaxConsecutiveFailures,
		newID:          opts.NewID,
		defaults:       defaults,
	}
	if o.locker == nil {
		o.locker = NewKeyedLocker()
	}
	if o.events == nil {
		o.events = NopEventSink{}
	}
	if o.clock == nil {
		o.clock = SystemClock{}
	}
	if o.logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		o.logger = l
	}
	if o.readingTimeout <= 0 {
		o.readingTimeout = DefaultReadingTimeout
	}
	if o.lockTTL <= 0 {
		o.lockTTL = DefaultLockTTL
	}
	if o.maxFailures <= 0 {
		o.maxFailures = DefaultMaxConsecutiveFailures
	}
	if o.newID == nil {
		o.newID = func() JobID { return JobID(uuid.NewString()) }
	}
	o.logger = o.logger.WithField("component", "reconciliation")
	o.tracker = NewProgressTracker(o.store, o.clock)
	return o, nil
}

// Tracker exposes the progress tracker bound to the same store and clock.
func (o *Orchestrator) Tracker() *ProgressTracker { return o.tracker }

// =============================================================================
// START
// =============================================================================

// StartRequest describes a new reconciliation job.
type StartRequest struct {
	DistrictID  string
	TargetMonth string
	Config      *ConfigUpdate
	TriggeredBy TriggeredBy
	// Baseline is an optional reading the first tick compares against.
	// Without it the first tick's reading becomes the baseline.
	Baseline *Reading
}

// StartReconciliation validates req and persists a new active job.
func (o *Orchestrator) StartReconciliation(ctx context.Context, req StartRequest) (*Job, error) {
	var violations []FieldError
	if v := ValidateDistrictID(req.DistrictID); v != nil {
		violations = append(violations, *v)
	}
	if v := ValidateTargetMonth(req.TargetMonth); v != nil {
		violations = append(violations, *v)
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = TriggeredManual
	}
	if triggeredBy != TriggeredManual && triggeredBy != TriggeredAutomatic {
		violations = append(violations, FieldError{
			Field: "triggeredBy", Message: "must be automatic or manual", Value: string(triggeredBy),
		})
	}

	cfg, err := o.GetConfiguration(ctx)
	if err != nil {
		return nil, err
	}
	if req.Config != nil {
		cfg = req.Config.ApplyTo(cfg)
	}
	violations = append(violations, cfg.Validate()...)

	if req.Baseline != nil {
		violations = append(violations, validateReading(*req.Baseline, "baseline")...)
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	now := o.clock.Now()
	job := Job{
		ID:            o.newID(),
		DistrictID:    req.DistrictID,
		TargetMonth:   req.TargetMonth,
		Status:        StatusActive,
		StartDate:     now,
		NextCheckDate: now,
		Baseline:      req.Baseline,
		Config:        cfg,
		Metadata: JobMetadata{
			CreatedAt:   now,
			UpdatedAt:   now,
			TriggeredBy: triggeredBy,
		},
	}
	job.recomputeMaxEndDate()

	err = o.store.WithTx(ctx, func(tx JobStore) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		return o.tracker.RefreshTimeline(ctx, tx, &job)
	})
	if err != nil {
		return nil, err
	}

	o.jobLogger(&job).WithField("max_end_date", job.MaxEndDate).Info("reconciliation started")
	o.publish(ctx, EventJobStarted, &job, fmt.Sprintf("reconciliation started, deadline %s", job.MaxEndDate.Format(time.RFC3339)))
	return &job, nil
}

// =============================================================================
// TICK
// =============================================================================

// Outcome describes what a tick did.
type Outcome string

const (
	OutcomeContinued      Outcome = "continued"
	OutcomeExtended       Outcome = "extended"
	OutcomeCompleted      Outcome = "completed"
	OutcomeForceFinalized Outcome = "force_finalized"
	OutcomeReadingFailed  Outcome = "reading_failed"
	OutcomeFailed         Outcome = "failed"
	OutcomeDiscarded      Outcome = "discarded"
)

// TickResult is the committed result of one tick.
type TickResult struct {
	Outcome       Outcome
	Job           *Job
	Entry         *Entry
	Status        Status
	ExtendedHours int
}

// ProducedData reports whether the tick recorded a new reading.
func (r *TickResult) ProducedData() bool {
	return r.Entry != nil && !r.Entry.Failed()
}

func tickLockKey(id JobID) string { return "reconciliation:tick:" + string(id) }

// Tick runs one check for an active job. A failed reading is committed to
// the timeline and reported as ErrReadingUnavailable alongside the result.
// If ctx ends before the reading is applied, nothing is written and ctx's
// error is returned.
func (o *Orchestrator) Tick(ctx context.Context, id JobID) (*TickResult, error) {
	lock, err := o.locker.Obtain(ctx, tickLockKey(id), o.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.WithField("job_id", id).WithError(err).Warn("failed to release tick lock")
		}
	}()

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.IsActive() {
		return nil, &InvalidStateError{JobID: id, Status: job.Status, Operation: "tick"}
	}

	reading, readErr := o.read(ctx, job.DistrictID)
	// The caller gave up; only the reading timeout counts against the source.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := o.clock.Now()

	var result *TickResult
	err = o.store.WithTx(ctx, func(tx JobStore) error {
		cur, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		// Cancelled or finalized while we were reading.
		if !cur.IsActive() {
			result = &TickResult{Outcome: OutcomeDiscarded, Job: cur}
			return nil
		}

		tl, err := tx.GetTimeline(ctx, id)
		if err != nil {
			return err
		}

		var r *TickResult
		if readErr != nil {
			r = o.applyFailedReading(cur, tl, readErr, now)
		} else {
			r = o.applyReading(cur, tl, reading, now)
		}
		cur.Metadata.UpdatedAt = now

		saved, err := o.tracker.RecordEntry(ctx, tx, cur, *r.Entry)
		if err != nil {
			return err
		}
		if err := tx.UpdateJob(ctx, *cur); err != nil {
			return err
		}
		r.Job = cur
		r.Status = saved.Status
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.reportTick(ctx, result)

	if result.Outcome == OutcomeDiscarded {
		return result, nil
	}
	if readErr != nil {
		return result, fmt.Errorf("%w: %v", ErrReadingUnavailable, readErr)
	}
	return result, nil
}

func (o *Orchestrator) read(ctx context.Context, districtID string) (Reading, error) {
	readCtx, cancel := context.WithTimeout(ctx, o.readingTimeout)
	defer cancel()

	reading, err := o.source.GetCurrentReading(readCtx, districtID)
	if err != nil {
		return Reading{}, err
	}
	if v := validateReading(reading, "reading"); len(v) > 0 {
		return Reading{}, &ValidationError{Violations: v}
	}
	return reading, nil
}

func (o *Orchestrator) applyReading(job *Job, tl *Timeline, reading Reading, now time.Time) *TickResult {
	entry := Entry{
		Date:           now,
		SourceDataDate: reading.AsOfDate,
		Reading:        &reading,
	}
	if job.CurrentDataDate == nil || reading.AsOfDate.After(*job.CurrentDataDate) {
		entry.CacheUpdated = true
	}

	previous, ok := tl.LatestReading()
	if !ok && job.Baseline != nil {
		previous, ok = *job.Baseline, true
	}

	if !ok {
		entry.Changes = DataChanges{ChangedFields: []string{}, SourceDataDate: reading.AsOfDate, Timestamp: now}
		entry.Notes = "baseline reading captured"
		baseline := reading
		job.Baseline = &baseline
	} else {
		changes, sig := Detect(previous, reading, job.Config.SignificantChangeThresholds, now)
		entry.Changes = changes
		entry.IsSignificant = sig.Significant()
		switch {
		case entry.IsSignificant:
			entry.Notes = "significant change: " + strings.Join(sig.Fields(), ", ")
		case changes.HasChanges:
			entry.Notes = "minor change below thresholds: " + strings.Join(changes.ChangedFields, ", ")
		}
	}

	job.ConsecutiveFailures = 0
	if !reading.AsOfDate.IsZero() {
		asOf := reading.AsOfDate
		job.CurrentDataDate = &asOf
	}

	entries := make([]Entry, 0, len(tl.Entries)+1)
	entries = append(append(entries, tl.Entries...), entry)
	ev := o.tracker.Evaluate(job, entries, now)

	result := &TickResult{Entry: &entry}
	switch {
	case ev.Readiness.Ready && !ev.Readiness.Forced:
		o.complete(job, now, "Finalized: "+ev.Readiness.Reason)
		result.Outcome = OutcomeCompleted

	case !now.Before(job.MaxEndDate):
		if hours := o.autoExtend(job, now); hours > 0 {
			result.Outcome = OutcomeExtended
			result.ExtendedHours = hours
		} else {
			o.complete(job, now, "Forced finalization: "+ev.Readiness.Reason)
			result.Outcome = OutcomeForceFinalized
		}

	default:
		job.Message = ""
		job.NextCheckDate = o.nextCheck(job, now)
		result.Outcome = OutcomeContinued
	}
	return result
}

func (o *Orchestrator) applyFailedReading(job *Job, tl *Timeline, readErr error, now time.Time) *TickResult {
	entry := Entry{
		Date:    now,
		Changes: DataChanges{ChangedFields: []string{}, Timestamp: now},
		Notes:   "data source unavailable",
		Error:   readErr.Error(),
	}
	if last, ok := tl.LatestReading(); ok {
		entry.SourceDataDate = last.AsOfDate
	}
	job.ConsecutiveFailures++

	result := &TickResult{Entry: &entry, Outcome: OutcomeReadingFailed}
	switch {
	case job.ConsecutiveFailures >= o.maxFailures:
		o.fail(job, now, fmt.Sprintf("Data source unavailable for %d consecutive checks: %v",
			job.ConsecutiveFailures, readErr))
		result.Outcome = OutcomeFailed

	case !now.Before(job.MaxEndDate):
		if hours := o.autoExtend(job, now); hours > 0 {
			result.ExtendedHours = hours
			job.Message = fmt.Sprintf("Data source unavailable (%v); deadline extended, retrying at next check", readErr)
		} else {
			o.fail(job, now, fmt.Sprintf("Data source unavailable at reconciliation deadline: %v", readErr))
			result.Outcome = OutcomeFailed
		}

	default:
		job.Message = fmt.Sprintf("Data source unavailable (%v); retrying at next check", readErr)
		job.NextCheckDate = o.nextCheck(job, now)
	}
	return result
}

// autoExtend pushes MaxEndDate by one check interval, bounded by the
// remaining extension budget. Returns the hours added (0 when none).
func (o *Orchestrator) autoExtend(job *Job, now time.Time) int {
	remaining := job.RemainingExtension()
	if remaining <= 0 {
		return 0
	}
	hours := job.Config.CheckFrequencyHours
	if hours > remaining {
		hours = remaining
	}
	job.ExtensionHours += hours
	job.recomputeMaxEndDate()
	job.NextCheckDate = o.nextCheck(job, now)
	job.Message = fmt.Sprintf("Deadline extended by %dh to %s (%d of %d extension hours used)",
		hours, job.MaxEndDate.Format(time.RFC3339), job.ExtensionHours, job.Config.MaxExtensionDays*24)
	return hours
}

func (o *Orchestrator) nextCheck(job *Job, now time.Time) time.Time {
	return now.Add(time.Duration(job.Config.CheckFrequencyHours) * time.Hour)
}

func (o *Orchestrator) complete(job *Job, now time.Time, msg string) {
	job.Status = StatusCompleted
	job.EndDate = &now
	finalized := now
	job.FinalizedDate = &finalized
	job.Message = msg
}

func (o *Orchestrator) fail(job *Job, now time.Time, msg string) {
	job.Status = StatusFailed
	job.EndDate = &now
	job.Message = msg
}

func (o *Orchestrator) reportTick(ctx context.Context, r *TickResult) {
	log := o.jobLogger(r.Job).WithField("outcome", r.Outcome)
	if r.Entry != nil {
		log = log.WithFields(logrus.Fields{
			"significant":  r.Entry.IsSignificant,
			"changed":      r.Entry.Changes.ChangedFields,
			"days_stable":  r.Status.DaysStable,
			"phase":        r.Status.Phase,
			"next_check":   r.Job.NextCheckDate,
			"max_end_date": r.Job.MaxEndDate,
		})
	}

	switch r.Outcome {
	case OutcomeDiscarded:
		log.Info("tick result discarded, job no longer active")
		return
	case OutcomeReadingFailed:
		log.WithField("error", r.Entry.Error).Warn("tick reading failed")
		o.publish(ctx, EventTickFailed, r.Job, r.Entry.Error)
	case OutcomeFailed:
		log.Error(r.Job.Message)
		o.publish(ctx, EventJobFailed, r.Job, r.Job.Message)
	case OutcomeCompleted:
		log.Info("reconciliation completed")
		o.publish(ctx, EventJobCompleted, r.Job, r.Job.Message)
	case OutcomeForceFinalized:
		log.Warn("reconciliation force-finalized")
		o.publish(ctx, EventJobForced, r.Job, r.Job.Message)
	default:
		log.Debug("tick recorded")
		o.publish(ctx, EventTickRecorded, r.Job, r.Entry.Notes)
	}
	if r.ExtendedHours > 0 {
		o.publish(ctx, EventJobExtended, r.Job, r.Job.Message)
	}
}

// =============================================================================
// CANCEL / EXTEND / FINALIZE
// =============================================================================

// CancelReconciliation stops an active job. Cancelling any other job is an
// error so stale callers find out.
func (o *Orchestrator) CancelReconciliation(ctx context.Context, id JobID) (*Job, error) {
	job, err := o.mutateActive(ctx, id, "cancel", func(_ JobStore, job *Job, now time.Time) error {
		job.Status = StatusCancelled
		job.EndDate = &now
		job.Message = "Reconciliation cancelled"
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.jobLogger(job).Info("reconciliation cancelled")
	o.publish(ctx, EventJobCancelled, job, job.Message)
	return job, nil
}

// ExtendReconciliation manually pushes the deadline of an active job by
// days, within the job's maxExtensionDays budget.
func (o *Orchestrator) ExtendReconciliation(ctx context.Context, id JobID, days int) (*Job, error) {
	if days < 1 {
		return nil, &ValidationError{Violations: []FieldError{{
			Field: "days", Message: "must be at least 1", Value: days,
		}}}
	}

	job, err := o.mutateActive(ctx, id, "extend", func(_ JobStore, job *Job, _ time.Time) error {
		budget := job.Config.MaxExtensionDays*24 - job.ExtensionHours
		hours := days * 24
		if hours > budget {
			return fmt.Errorf("%w: requested %d days, %d hours remaining", ErrExtensionUnavailable, days, budget)
		}
		job.ExtensionHours += hours
		job.recomputeMaxEndDate()
		job.Message = fmt.Sprintf("Deadline manually extended by %d days to %s", days, job.MaxEndDate.Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.jobLogger(job).WithField("max_end_date", job.MaxEndDate).Info("reconciliation extended")
	o.publish(ctx, EventJobExtended, job, job.Message)
	return job, nil
}

// FinalizeReconciliation completes an active job with whatever data is
// current, stable or not.
func (o *Orchestrator) FinalizeReconciliation(ctx context.Context, id JobID) (*Job, error) {
	job, err := o.mutateActive(ctx, id, "finalize", func(tx JobStore, job *Job, now time.Time) error {
		tl, err := tx.GetTimeline(ctx, id)
		if err != nil {
			return err
		}
		st := o.tracker.Evaluate(job, tl.Entries, now).Status
		o.complete(job, now, fmt.Sprintf("Finalized manually with %d of %d stable days",
			st.DaysStable, job.Config.StabilityPeriodDays))
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.jobLogger(job).Info("reconciliation finalized manually")
	o.publish(ctx, EventJobCompleted, job, job.Message)
	return job, nil
}

// mutateActive applies fn to an active job inside a transaction and
// refreshes the stored timeline status.
func (o *Orchestrator) mutateActive(ctx context.Context, id JobID, op string, fn func(JobStore, *Job, time.Time) error) (*Job, error) {
	var updated *Job
	err := o.store.WithTx(ctx, func(tx JobStore) error {
		job, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if !job.IsActive() {
			return &InvalidStateError{JobID: id, Status: job.Status, Operation: op}
		}
		now := o.clock.Now()
		if err := fn(tx, job, now); err != nil {
			return err
		}
		job.Metadata.UpdatedAt = now
		if err := tx.UpdateJob(ctx, *job); err != nil {
			return err
		}
		if err := o.tracker.RefreshTimeline(ctx, tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// GetConfiguration returns the default config applied to new jobs.
func (o *Orchestrator) GetConfiguration(ctx context.Context) (Config, error) {
	if o.configs != nil {
		cfg, ok, err := o.configs.LoadConfig(ctx)
		if err != nil {
			return Config{}, err
		}
		if ok {
			return cfg, nil
		}
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaults, nil
}

// ValidateConfiguration returns every violation in candidate.
func (o *Orchestrator) ValidateConfiguration(candidate Config) []FieldError {
	return candidate.Validate()
}

// ValidateConfigurationUpdate merges update over the current config and
// validates the result without saving it.
func (o *Orchestrator) ValidateConfigurationUpdate(ctx context.Context, update ConfigUpdate) (Config, []FieldError, error) {
	current, err := o.GetConfiguration(ctx)
	if err != nil {
		return Config{}, nil, err
	}
	merged := update.ApplyTo(current)
	return merged, merged.Validate(), nil
}

// UpdateConfiguration validates and saves a new default config. Running
// jobs keep their snapshot.
func (o *Orchestrator) UpdateConfiguration(ctx context.Context, update ConfigUpdate) (Config, error) {
	merged, violations, err := o.ValidateConfigurationUpdate(ctx, update)
	if err != nil {
		return Config{}, err
	}
	if len(violations) > 0 {
		return Config{}, &ValidationError{Violations: violations}
	}

	if o.configs != nil {
		if err := o.configs.SaveConfig(ctx, merged, o.clock.Now()); err != nil {
			return Config{}, err
		}
	} else {
		o.mu.Lock()
		o.defaults = merged
		o.mu.Unlock()
	}

	o.logger.WithField("config", merged).Info("default reconciliation config updated")
	o.events.Publish(ctx, Event{Type: EventConfigUpdated, Message: "default configuration updated", At: o.clock.Now()})
	return merged, nil
}

// =============================================================================
// READS
// =============================================================================

func (o *Orchestrator) GetJob(ctx context.Context, id JobID) (*Job, error) {
	return o.store.GetJob(ctx, id)
}

// ListJobs returns jobs matching filter, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var violations []FieldError
	if filter.Status != "" && !filter.Status.IsValid() {
		violations = append(violations, FieldError{Field: "status", Message: "unknown status", Value: string(filter.Status)})
	}
	if filter.TargetMonth != "" {
		if v := ValidateTargetMonth(filter.TargetMonth); v != nil {
			violations = append(violations, *v)
		}
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return o.store.ListJobs(ctx, filter)
}

// GetTimeline returns the job's timeline with a freshly derived status.
func (o *Orchestrator) GetTimeline(ctx context.Context, id JobID) (*Timeline, error) {
	return o.tracker.CurrentTimeline(ctx, id)
}

func (o *Orchestrator) GetStatus(ctx context.Context, id JobID) (Status, error) {
	return o.tracker.GetStatus(ctx, id)
}

func (o *Orchestrator) EstimateCompletion(ctx context.Context, id JobID) (time.Time, bool, error) {
	return o.tracker.EstimateCompletion(ctx, id)
}

func (o *Orchestrator) GetProgressStatistics(ctx context.Context, id JobID) (ProgressStatistics, error) {
	return o.tracker.GetProgressStatistics(ctx, id)
}

// DueJobs returns active jobs whose next check is at or before now.
func (o *Orchestrator) DueJobs(ctx context.Context) ([]Job, error) {
	active, err := o.store.ListJobs(ctx, JobFilter{Status: StatusActive})
	if err != nil {
		return nil, err
	}
	now := o.clock.Now()
	due := make([]Job, 0, len(active))
	for _, j := range active {
		if !j.NextCheckDate.After(now) {
			due = append(due, j)
		}
	}
	return due, nil
}

// =============================================================================
// RETENTION
// =============================================================================

// CleanupJobs deletes terminal jobs that ended more than olderThan ago.
// Active jobs are never touched.
func (o *Orchestrator) CleanupJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := o.clock.Now().Add(-olderThan)
	deleted := 0
	for _, status := range []JobStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		jobs, err := o.store.ListJobs(ctx, JobFilter{Status: status})
		if err != nil {
			return deleted, err
		}
		for _, j := range jobs {
			if j.EndDate == nil || !j.EndDate.Before(cutoff) {
				continue
			}
			if err := o.store.DeleteJob(ctx, j.ID); err != nil && !errors.Is(err, ErrJobNotFound) {
				return deleted, err
			}
			deleted++
		}
	}
	if deleted > 0 {
		o.logger.WithFields(logrus.Fields{"deleted": deleted, "cutoff": cutoff}).Info("expired reconciliation jobs removed")
	}
	return deleted, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (o *Orchestrator) jobLogger(job *Job) logrus.FieldLogger {
	return o.logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"district_id":  job.DistrictID,
		"target_month": job.TargetMonth,
	})
}

func (o *Orchestrator) publish(ctx context.Context, t EventType, job *Job, msg string) {
	o.events.Publish(ctx, Event{
		Type:        t,
		JobID:       job.ID,
		DistrictID:  job.DistrictID,
		TargetMonth: job.TargetMonth,
		Message:     msg,
		At:          o.clock.Now(),
	})
}

func validateReading(r Reading, prefix string) []FieldError {
	var v []FieldError
	check := func(field string, value int) {
		if value < 0 {
			v = append(v, FieldError{Field: prefix + "." + field, Message: "must not be negative", Value: value})
		}
	}
	check("membership", r.Membership)
	check("clubCount", r.ClubCount)
	check("distinguishedCounts.select", r.Distinguished.Select)
	check("distinguishedCounts.distinguished", r.Distinguished.Distinguished)
	check("distinguishedCounts.president", r.Distinguished.President)
	check("distinguishedCounts.total", r.Distinguished.Total)
	return v
}
