// Package services provides the run lifecycle, playbook and job operations plus their error taxonomy.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/outbound/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest     = errors.New("invalid request")
	ErrLeadIDRequired     = errors.New("lead ID is required")
	ErrPlaybookIDRequired = errors.New("playbook ID is required")
	ErrInvalidVariables   = errors.New("variables do not match the playbook schema")
	ErrInvalidStatus      = errors.New("invalid status")
	ErrInvalidCadence     = errors.New("invalid job cadence")

	// Not Found (404).
	ErrPlaybookNotFound = persistence.ErrPlaybookNotFound
	ErrRunNotFound      = persistence.ErrRunNotFound
	ErrJobNotFound      = persistence.ErrJobNotFound

	// Business Logic Conflicts (409 Conflict).
	ErrAlreadyEnrolled = persistence.ErrRunAlreadyActive

	// Invalid State (422 Unprocessable Entity).
	ErrInactivePlaybook  = errors.New("playbook is not active")
	ErrInvalidTransition = errors.New("run status transition not allowed")
	ErrStopNotAllowed    = errors.New("current step does not stop on reply")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// AlreadyEnrolledError reports the run that blocks a new enrollment.
type AlreadyEnrolledError struct {
	RunID string
}

func (e *AlreadyEnrolledError) Error() string {
	return "lead already enrolled in run " + e.RunID
}

func (e *AlreadyEnrolledError) Unwrap() error {
	return ErrAlreadyEnrolled
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrLeadIDRequired) ||
		errors.Is(err, ErrPlaybookIDRequired) ||
		errors.Is(err, ErrInvalidVariables) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidCadence)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyEnrolled)
}

// IsInvalidStateError checks if an error should return HTTP 422.
func IsInvalidStateError(err error) bool {
	return errors.Is(err, ErrInactivePlaybook) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrStopNotAllowed)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsNotFound(err)
}

// ConflictingRunID returns the id of the run that caused an AlreadyEnrolled error.
func ConflictingRunID(err error) (string, bool) {
	var enrolled *AlreadyEnrolledError
	if errors.As(err, &enrolled) {
		return enrolled.RunID, true
	}

	return persistence.ExistingRunID(err)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
