/*
errors.go - Error taxonomy for the reconciliation engine

ERROR CATEGORIES:
  1. Validation - bad config, district or month; carries per-field violations
  2. Conflict   - duplicate active job, operation on a non-active job
  3. Not found  - unknown job id
  4. Transient  - data source unavailable during a tick
  5. Storage    - propagated unmodified (wrapped with %w)

USAGE:
  var conflict *reconciliation.ConflictError
  if errors.As(err, &conflict) {
      // conflict.ExistingJobID names the running job
  }

SEE ALSO:
  - config.go: Produces ValidationError
  - orchestrator.go: Produces conflicts and transient failures
*/
package reconciliation

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("reconciliation job not found")

	// ErrActiveJobExists is returned when a (district, month) pair already
	// has an active job.
	ErrActiveJobExists = errors.New("active reconciliation job already exists")

	// ErrJobNotActive is returned when an operation requires an active job.
	ErrJobNotActive = errors.New("reconciliation job is not active")

	// ErrReadingUnavailable is returned when a tick could not obtain a reading.
	// The failure is recorded on the timeline and retried on the next tick.
	ErrReadingUnavailable = errors.New("data source reading unavailable")

	// ErrTickInProgress is returned when another tick holds the job's lock.
	ErrTickInProgress = errors.New("tick already in progress for job")

	// ErrExtensionUnavailable is returned when no extension budget remains.
	ErrExtensionUnavailable = errors.New("no extension available")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// FieldError is a single violation on a named field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// ValidationError carries every violation found, never just the first.
type ValidationError struct {
	Violations []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError names the job that blocks a start.
type ConflictError struct {
	DistrictID    string
	TargetMonth   string
	ExistingJobID JobID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("active reconciliation job %s already exists for district %s month %s",
		e.ExistingJobID, e.DistrictID, e.TargetMonth)
}

func (e *ConflictError) Unwrap() error {
	return ErrActiveJobExists
}

// InvalidStateError is returned when an operation needs an active job.
type InvalidStateError struct {
	JobID     JobID
	Status    JobStatus
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s: status is %s", e.Operation, e.JobID, e.Status)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrJobNotActive
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict returns true if the error is a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrActiveJobExists) ||
		errors.Is(err, ErrJobNotActive) ||
		errors.Is(err, ErrTickInProgress) ||
		errors.Is(err, ErrExtensionUnavailable)
}

// IsNotFound returns true if the error indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsTransient returns true if the operation may succeed on the next tick.
func IsTransient(err error) bool {
	return errors.Is(err, ErrReadingUnavailable) || errors.Is(err, ErrTickInProgress)
}
