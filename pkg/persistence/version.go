package persistence

import "time"

// NextVersion returns the UpdatedAt value for a write following prev. Values are
// truncated to microseconds, the resolution PostgreSQL stores, and always move
// forward so optimistic comparisons never see two writes with the same stamp.
func NextVersion(prev time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}

	return now
}
