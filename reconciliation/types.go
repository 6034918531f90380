/*
Package reconciliation provides the month-end reconciliation engine.

PURPOSE:
  District performance data for a closed month keeps receiving late
  corrections for some days after month-end. This package watches a
  (district, month) pair, classifies every tick-over-tick change and
  declares the month final once the figures stop moving, or when the
  configured maximum wait (plus extension) runs out.

KEY CONCEPTS IN THIS FILE (types.go):
  - Reading:      One point-in-time pull of a district's figures
  - DataChanges:  The structured diff between two readings
  - Job:          One reconciliation run for a (district, month) pair
  - Timeline:     Append-only tick history plus the derived status

COMPONENTS:
  changes.go:      Change detection (pure)
  progress.go:     Progress tracker (phase, stability, estimates)
  orchestrator.go: Job lifecycle (start, tick, cancel, extend, finalize)
  store.go:        Persistence interfaces

DESIGN PRINCIPLES:
  1. The store is the single source of truth. Nothing caches job state.
  2. Phase is derived from the timeline, never stored on its own.
  3. Terminal statuses are final.

SEE ALSO:
  - config.go: Policy knobs and validation
  - errors.go: Error taxonomy
*/
package reconciliation

import (
	"time"
)

// =============================================================================
// IDENTIFIERS & STATUS
// =============================================================================

type JobID string

// JobStatus is the lifecycle status of a job. Only the orchestrator writes it.
type JobStatus string

const (
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type TriggeredBy string

const (
	TriggeredAutomatic TriggeredBy = "automatic"
	TriggeredManual    TriggeredBy = "manual"
)

// Phase is the derived progress phase of a job.
type Phase string

const (
	PhaseMonitoring  Phase = "monitoring"
	PhaseStabilizing Phase = "stabilizing"
	PhaseFinalizing  Phase = "finalizing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhaseCancelled   Phase = "cancelled"
)

// =============================================================================
// READINGS
// =============================================================================

// DistinguishedCounts holds the recognition-level club counts.
type DistinguishedCounts struct {
	Select        int `json:"select"`
	Distinguished int `json:"distinguished"`
	President     int `json:"president"`
	Total         int `json:"total"`
}

// Reading is a single pull of a district's figures from the data source.
type Reading struct {
	Membership    int                 `json:"membership"`
	ClubCount     int                 `json:"clubCount"`
	Distinguished DistinguishedCounts `json:"distinguishedCounts"`
	AsOfDate      time.Time           `json:"asOfDate"`
}

// =============================================================================
// DATA CHANGES
// =============================================================================

// Field names reported in DataChanges.ChangedFields.
const (
	FieldMembership    = "membership"
	FieldClubCount     = "clubCount"
	FieldDistinguished = "distinguished"
)

type MembershipChange struct {
	Previous      int     `json:"previous"`
	Current       int     `json:"current"`
	PercentChange float64 `json:"percentChange"`
}

type ClubCountChange struct {
	Previous       int `json:"previous"`
	Current        int `json:"current"`
	AbsoluteChange int `json:"absoluteChange"`
}

type DistinguishedChange struct {
	Previous      DistinguishedCounts `json:"previous"`
	Current       DistinguishedCounts `json:"current"`
	PercentChange float64             `json:"percentChange"`
}

// DataChanges is the output of one comparison. Sub-records are nil when the
// corresponding field did not change.
type DataChanges struct {
	HasChanges          bool                 `json:"hasChanges"`
	ChangedFields       []string             `json:"changedFields"`
	SourceDataDate      time.Time            `json:"sourceDataDate"`
	Timestamp           time.Time            `json:"timestamp"`
	MembershipChange    *MembershipChange    `json:"membershipChange,omitempty"`
	ClubCountChange     *ClubCountChange     `json:"clubCountChange,omitempty"`
	DistinguishedChange *DistinguishedChange `json:"distinguishedChange,omitempty"`
}

// =============================================================================
// JOB
// =============================================================================

type JobMetadata struct {
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	TriggeredBy TriggeredBy `json:"triggeredBy"`
}

// Job is one reconciliation run for a (district, month) pair.
// At most one job per pair may be active at a time.
type Job struct {
	ID          JobID     `json:"id"`
	DistrictID  string    `json:"districtId"`
	TargetMonth string    `json:"targetMonth"`
	Status      JobStatus `json:"status"`

	StartDate       time.Time  `json:"startDate"`
	MaxEndDate      time.Time  `json:"maxEndDate"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	FinalizedDate   *time.Time `json:"finalizedDate,omitempty"`
	CurrentDataDate *time.Time `json:"currentDataDate,omitempty"`
	NextCheckDate   time.Time  `json:"nextCheckDate"`

	// ExtensionHours is the cumulative extension applied to MaxEndDate.
	ExtensionHours      int `json:"extensionHours"`
	ConsecutiveFailures int `json:"consecutiveFailures"`

	// Baseline is the reading the first comparison is made against.
	Baseline *Reading `json:"baseline,omitempty"`
	Message  string   `json:"message,omitempty"`

	Config   Config      `json:"config"`
	Metadata JobMetadata `json:"metadata"`
}

// IsActive reports whether the job still accepts ticks.
func (j *Job) IsActive() bool { return j.Status == StatusActive }

// RemainingExtension returns how many hours of extension are still available.
func (j *Job) RemainingExtension() int {
	if !j.Config.AutoExtensionEnabled {
		return 0
	}
	remaining := j.Config.MaxExtensionDays*24 - j.ExtensionHours
	if remaining < 0 {
		return 0
	}
	return remaining
}

// baseMaxEndDate is the deadline before any extension.
func (j *Job) baseMaxEndDate() time.Time {
	return j.StartDate.AddDate(0, 0, j.Config.MaxReconciliationDays)
}

// recomputeMaxEndDate derives MaxEndDate from StartDate, config and extension.
func (j *Job) recomputeMaxEndDate() {
	j.MaxEndDate = j.baseMaxEndDate().Add(time.Duration(j.ExtensionHours) * time.Hour)
}

// =============================================================================
// TIMELINE
// =============================================================================

// Entry records one tick. A tick whose reading failed carries Error and no
// Reading; such entries never count toward stability.
type Entry struct {
	Date           time.Time   `json:"date"`
	SourceDataDate time.Time   `json:"sourceDataDate"`
	Changes        DataChanges `json:"changes"`
	IsSignificant  bool        `json:"isSignificant"`
	CacheUpdated   bool        `json:"cacheUpdated"`
	Notes          string      `json:"notes,omitempty"`
	Reading        *Reading    `json:"reading,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Failed reports whether the entry records a reading failure.
func (e Entry) Failed() bool { return e.Error != "" }

// Status is the derived progress status of a job.
type Status struct {
	Phase          Phase      `json:"phase"`
	DaysActive     int        `json:"daysActive"`
	DaysStable     int        `json:"daysStable"`
	LastChangeDate *time.Time `json:"lastChangeDate,omitempty"`
	NextCheckDate  time.Time  `json:"nextCheckDate"`
	Message        string     `json:"message"`
}

// Timeline is the ordered tick history of a job.
type Timeline struct {
	JobID               JobID      `json:"jobId"`
	Entries             []Entry    `json:"entries"`
	Status              Status     `json:"status"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
}

// LatestReading returns the reading of the most recent successful entry.
func (t *Timeline) LatestReading() (Reading, bool) {
	for i := len(t.Entries) - 1; i >= 0; i-- {
		if r := t.Entries[i].Reading; r != nil {
			return *r, true
		}
	}
	return Reading{}, false
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts time so tests can drive the engine deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the current UTC time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
