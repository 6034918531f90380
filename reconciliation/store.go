/*
store.go - Persistence interfaces for jobs and timelines

PURPOSE:
  Defines the boundary between the engine and storage. The store is pure
  persistence: it keeps the primary job record, the timeline and the
  secondary indices (by district, by month, by status) consistent, and
  enforces the single-active-job invariant. It knows no business rules
  beyond that.

KEY INTERFACES:
  JobStore:    Job and timeline CRUD plus indexed listing
  TxJobStore:  JobStore with atomic multi-write (WithTx)
  ConfigStore: The persisted default configuration

INDEX CONTRACT:
  Every write that touches a job updates its index entries in the same
  critical section or SQL transaction. A status change moves the id from
  one status bucket to the other; either both record and index change, or
  neither does.

ERRORS:
  GetJob/UpdateJob/DeleteJob return ErrJobNotFound for unknown ids.
  CreateJob returns *ConflictError when the pair already has an active job.
  Any I/O error is returned to the caller.

IMPLEMENTATIONS:
  - reconciliation/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go:         SQLite with an index table

SEE ALSO:
  - orchestrator.go: The only writer of job status
*/
package reconciliation

import (
	"context"
	"time"
)

// =============================================================================
// JOB STORE
// =============================================================================

// JobFilter narrows ListJobs. Zero values mean "any". Limit <= 0 means no limit.
type JobFilter struct {
	DistrictID  string
	TargetMonth string
	Status      JobStatus
	Limit       int
}

// JobStore persists jobs and their timelines.
type JobStore interface {
	// CreateJob persists a new job and its index entries.
	CreateJob(ctx context.Context, job Job) error

	// GetJob returns the job or ErrJobNotFound.
	GetJob(ctx context.Context, id JobID) (*Job, error)

	// UpdateJob replaces the stored job, moving index entries as needed.
	UpdateJob(ctx context.Context, job Job) error

	// ListJobs returns jobs matching filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)

	// DeleteJob removes the job, its index entries and its timeline.
	DeleteJob(ctx context.Context, id JobID) error

	// SaveTimeline replaces the stored timeline of a job.
	SaveTimeline(ctx context.Context, timeline Timeline, updatedAt time.Time) error

	// GetTimeline returns the timeline; an empty one if none was saved yet.
	GetTimeline(ctx context.Context, id JobID) (*Timeline, error)
}

// TxJobStore wraps JobStore with transaction support.
// Use this when a job update and a timeline append must land together.
type TxJobStore interface {
	JobStore

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given store is
	// rolled back.
	WithTx(ctx context.Context, fn func(JobStore) error) error
}

// =============================================================================
// CONFIG STORE
// =============================================================================

// ConfigStore persists the default configuration applied to new jobs.
type ConfigStore interface {
	// LoadConfig returns the stored config, or ok=false if none was saved.
	LoadConfig(ctx context.Context) (cfg Config, ok bool, err error)

	// SaveConfig replaces the stored config.
	SaveConfig(ctx context.Context, cfg Config, updatedAt time.Time) error
}
