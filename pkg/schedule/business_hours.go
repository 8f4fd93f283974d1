// Package schedule decides when playbook steps become due.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidWindow is returned by Validate for malformed business windows.
var ErrInvalidWindow = errors.New("invalid business hours window")

// BusinessHours is the window inside which steps flagged with
// requires_business_hours may fire. Hours are local to Location, [Start, End).
type BusinessHours struct {
	Location  *time.Location
	StartHour int
	EndHour   int
	Weekdays  []time.Weekday
}

// DefaultBusinessHours is Monday to Friday, 09:00 to 18:00 UTC.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{
		Location:  time.UTC,
		StartHour: 9,
		EndHour:   18,
		Weekdays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
	}
}

// Validate checks hour bounds and that at least one weekday is open.
func (b BusinessHours) Validate() error {
	if b.StartHour < 0 || b.StartHour > 23 || b.EndHour < 1 || b.EndHour > 24 {
		return fmt.Errorf("%w: hours must be within 0..24", ErrInvalidWindow)
	}

	if b.StartHour >= b.EndHour {
		return fmt.Errorf("%w: start hour %d must be before end hour %d", ErrInvalidWindow, b.StartHour, b.EndHour)
	}

	if len(b.Weekdays) == 0 {
		return fmt.Errorf("%w: no weekdays", ErrInvalidWindow)
	}

	return nil
}

// Contains reports whether t falls inside the window.
func (b BusinessHours) Contains(t time.Time) bool {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}

	local := t.In(loc)

	if !b.isOpenDay(local.Weekday()) {
		return false
	}

	hour := local.Hour()

	return hour >= b.StartHour && hour < b.EndHour
}

func (b BusinessHours) isOpenDay(day time.Weekday) bool {
	for _, d := range b.Weekdays {
		if d == day {
			return true
		}
	}

	return false
}

// ParseWeekdays converts short or long English day names into weekdays.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(names))

	for _, name := range names {
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q", ErrInvalidWindow, name)
		}

		days = append(days, day)
	}

	return days, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}
