package schedule

import "time"

const day = 24 * time.Hour

// NextDueAt is the earliest instant a step with delayDays may fire after lastEventAt.
func NextDueAt(lastEventAt time.Time, delayDays int) time.Time {
	return lastEventAt.Add(time.Duration(delayDays) * day)
}

// IsDue evaluates the due-step predicate against the default business window.
func IsDue(lastEventAt time.Time, delayDays int, requiresBusinessHours bool, now time.Time) bool {
	return DefaultBusinessHours().IsDue(lastEventAt, delayDays, requiresBusinessHours, now)
}

// IsDue is a point-in-time check. A step that became eligible outside the
// window is simply not due now; the caller polls again later, nothing here
// computes the next opening of the window.
func (b BusinessHours) IsDue(lastEventAt time.Time, delayDays int, requiresBusinessHours bool, now time.Time) bool {
	if now.Before(NextDueAt(lastEventAt, delayDays)) {
		return false
	}

	if !requiresBusinessHours {
		return true
	}

	return b.Contains(now)
}
