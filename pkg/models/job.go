package models

import "time"

// JobKind distinguishes the periodic job families sharing the reschedule pattern.
type JobKind string

const (
	JobKindDigest JobKind = "digest"
	JobKindAlert  JobKind = "alert"
)

// Job is a persisted periodic task (digest or alert rule) driven by a
// next_run_at watermark that is recomputed from its cadence after each firing.
type Job struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Kind           JobKind        `json:"kind"                       validate:"required,oneof=digest alert"`
	Name           string         `json:"name"                       validate:"required"`
	Cadence        Cadence        `json:"cadence"`
	Active         bool           `json:"active"`
	Config         map[string]any `json:"config,omitempty"`
	NextRunAt      time.Time      `json:"next_run_at"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	ClaimToken     string         `json:"claim_token,omitempty"`
	ClaimExpiresAt *time.Time     `json:"claim_expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsDueAt reports whether an active job's watermark has elapsed.
func (j *Job) IsDueAt(now time.Time) bool {
	return j.Active && !j.NextRunAt.After(now)
}

// IsClaimedAt reports whether a non-expired lease is held at now.
func (j *Job) IsClaimedAt(now time.Time) bool {
	return j.ClaimToken != "" && j.ClaimExpiresAt != nil && j.ClaimExpiresAt.After(now)
}

// Clone returns an independent copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}

	clone := *j
	clone.LastRunAt = copyTime(j.LastRunAt)
	clone.ClaimExpiresAt = copyTime(j.ClaimExpiresAt)

	if j.Config != nil {
		clone.Config = make(map[string]any, len(j.Config))
		for k, v := range j.Config {
			clone.Config[k] = v
		}
	}

	return &clone
}

// AlertOccurrence records one firing of a job.
type AlertOccurrence struct {
	ID      string         `json:"id"`
	JobID   string         `json:"job_id"`
	FiredAt time.Time      `json:"fired_at"`
	Outcome Outcome        `json:"outcome"`
	Detail  map[string]any `json:"detail,omitempty"`
	Error   string         `json:"error,omitempty"`
}
