package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CadenceKind is the recurrence family of a periodic job.
type CadenceKind string

const (
	CadenceDaily  CadenceKind = "daily"
	CadenceWeekly CadenceKind = "weekly"
	CadenceCron   CadenceKind = "cron"
)

// ErrInvalidCadence is returned for unknown kinds or unparsable expressions.
var ErrInvalidCadence = errors.New("invalid cadence")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Cadence is the recurrence interval of a digest or alert job.
type Cadence struct {
	Kind CadenceKind `json:"kind"                 validate:"required,oneof=daily weekly cron"`

	// Expression is a 5-field cron expression, only used by CadenceCron.
	Expression string `json:"expression,omitempty"`
}

// Next returns the next watermark counted from the firing time, never from
// the old watermark, so a late tick does not shift the interval.
func (c Cadence) Next(firedAt time.Time) (time.Time, error) {
	switch c.Kind {
	case CadenceDaily:
		return firedAt.Add(24 * time.Hour), nil
	case CadenceWeekly:
		return firedAt.Add(7 * 24 * time.Hour), nil
	case CadenceCron:
		schedule, err := cronParser.Parse(c.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidCadence, err)
		}

		return schedule.Next(firedAt), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCadence, c.Kind)
	}
}

// Validate checks the kind and, for cron cadences, the expression.
func (c Cadence) Validate() error {
	_, err := c.Next(time.Unix(0, 0).UTC())

	return err
}
