package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/outbound/pkg/models"
)

var (
	// ErrDispatchTimeout indicates a send exceeded its per-attempt deadline.
	ErrDispatchTimeout = errors.New("dispatch timed out")

	// ErrDispatchFailed indicates a transient provider or transport failure.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrNoSender indicates no sender is registered for the message channel.
	ErrNoSender = errors.New("no sender registered for channel")
)

// PermanentError marks a failure that retrying cannot fix, such as a
// rejected recipient or an unknown template.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent dispatch failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the dispatcher stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}

// IsTimeout reports whether err is a dispatch timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDispatchTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// OutcomeFor maps a dispatch error to the outcome recorded on the run.
func OutcomeFor(err error) models.Outcome {
	switch {
	case err == nil:
		return models.OutcomeSent
	case IsPermanent(err):
		return models.OutcomeTerminalFailure
	default:
		return models.OutcomeRetryableFailure
	}
}
