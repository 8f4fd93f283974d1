// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrPlaybookNotFound indicates a playbook was not found by the given identifier.
	ErrPlaybookNotFound = errors.New("playbook not found")

	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrJobNotFound indicates a job was not found by the given identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrRunAlreadyActive indicates an active run exists for the lead and playbook.
	ErrRunAlreadyActive = errors.New("active run already exists for lead and playbook")

	// ErrStaleRun indicates an optimistic update lost against a concurrent writer.
	ErrStaleRun = errors.New("run was modified concurrently")

	// ErrClaimLost indicates the lease could not be taken or is no longer owned.
	ErrClaimLost = errors.New("claim not acquired")

	// ErrDuplicateEvent indicates an event with the same dedup key was already recorded.
	ErrDuplicateEvent = errors.New("duplicate run event")
)

// ActiveRunConflict carries the id of the run that blocked an enrollment.
type ActiveRunConflict struct {
	LeadID        string
	PlaybookID    string
	ExistingRunID string
}

func (e *ActiveRunConflict) Error() string {
	return fmt.Sprintf("lead %s already has active run %s for playbook %s", e.LeadID, e.ExistingRunID, e.PlaybookID)
}

func (e *ActiveRunConflict) Unwrap() error {
	return ErrRunAlreadyActive
}

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op    string // Operation being performed (e.g., "ClaimRun", "UpdateRun")
	RunID string // Run ID if applicable
	Err   error  // Underlying error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for run errors.
func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{
		Op:    op,
		RunID: runID,
		Err:   err,
	}
}

// JobError wraps job-related errors with additional context.
type JobError struct {
	Op    string
	JobID string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s operation failed for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func (e *JobError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewJobError creates a new job error with context.
func NewJobError(op, jobID string, err error) *JobError {
	return &JobError{
		Op:    op,
		JobID: jobID,
		Err:   err,
	}
}

// IsPlaybookNotFound checks if an error indicates a playbook was not found.
func IsPlaybookNotFound(err error) bool {
	return errors.Is(err, ErrPlaybookNotFound)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsJobNotFound checks if an error indicates a job was not found.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsNotFound checks for any not-found sentinel.
func IsNotFound(err error) bool {
	return IsPlaybookNotFound(err) || IsRunNotFound(err) || IsJobNotFound(err)
}

// IsClaimLost checks if an error indicates a lost or contended claim.
func IsClaimLost(err error) bool {
	return errors.Is(err, ErrClaimLost)
}

// IsStaleRun checks if an error indicates an optimistic update conflict.
func IsStaleRun(err error) bool {
	return errors.Is(err, ErrStaleRun)
}

// IsDuplicateEvent checks if an error indicates an already-recorded event.
func IsDuplicateEvent(err error) bool {
	return errors.Is(err, ErrDuplicateEvent)
}

// ExistingRunID extracts the blocking run id from an enrollment conflict.
func ExistingRunID(err error) (string, bool) {
	var conflict *ActiveRunConflict
	if errors.As(err, &conflict) {
		return conflict.ExistingRunID, true
	}

	return "", false
}
