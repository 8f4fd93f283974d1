package models

import (
	"strconv"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"    // Claimable by the scheduler
	RunStatusPaused    RunStatus = "paused"    // Operator hold, resumable
	RunStatusCompleted RunStatus = "completed" // Terminal: no further steps or stopped
	RunStatusFailed    RunStatus = "failed"    // Terminal: dispatch exhausted or rejected
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusActive: {RunStatusCompleted, RunStatusPaused, RunStatusFailed},
	RunStatusPaused: {RunStatusActive, RunStatusCompleted, RunStatusFailed},
}

// CanTransitionTo reports whether the state machine allows moving to next.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// IsTerminal reports whether no transition leaves this status.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one lead's enrollment in, and progress through, a playbook.
type Run struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id,omitempty"`
	LeadID           string         `json:"lead_id"                     validate:"required"`
	PlaybookID       string         `json:"playbook_id"                 validate:"required"`
	PlaybookVersion  int            `json:"playbook_version"`
	StepIndex        int            `json:"step_index"                  validate:"min=0"`
	Status           RunStatus      `json:"status"                      validate:"required,oneof=active completed paused failed"`
	NextDueAt        *time.Time     `json:"next_due_at,omitempty"`
	LastEventAt      *time.Time     `json:"last_event_at,omitempty"`
	VariantMap       map[int]string `json:"variant_map"`
	Variables        map[string]any `json:"variables,omitempty"`
	Attempt          int            `json:"attempt"`
	StopReason       string         `json:"stop_reason,omitempty"`
	ClaimToken       string         `json:"claim_token,omitempty"`
	ClaimExpiresAt   *time.Time     `json:"claim_expires_at,omitempty"`
	PlaybookSnapshot *Playbook      `json:"playbook_snapshot,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NewRun creates an active run positioned on the first step and due immediately.
func NewRun(id, leadID string, playbook *Playbook, variables map[string]any, now time.Time) *Run {
	due := now

	return &Run{
		ID:               id,
		TenantID:         playbook.TenantID,
		LeadID:           leadID,
		PlaybookID:       playbook.ID,
		PlaybookVersion:  playbook.Version,
		StepIndex:        0,
		Status:           RunStatusActive,
		NextDueAt:        &due,
		VariantMap:       make(map[int]string),
		Variables:        variables,
		PlaybookSnapshot: playbook.Clone(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsClaimedAt reports whether a non-expired lease is held at now.
func (r *Run) IsClaimedAt(now time.Time) bool {
	return r.ClaimToken != "" && r.ClaimExpiresAt != nil && r.ClaimExpiresAt.After(now)
}

// IsDueAt reports whether the watermark has elapsed for an active run.
func (r *Run) IsDueAt(now time.Time) bool {
	return r.Status == RunStatusActive && r.NextDueAt != nil && !r.NextDueAt.After(now)
}

// RecordVariant stores the chosen variant for a step. Existing entries are kept.
func (r *Run) RecordVariant(stepIndex int, variantID string) string {
	if r.VariantMap == nil {
		r.VariantMap = make(map[int]string)
	}

	if existing, ok := r.VariantMap[stepIndex]; ok {
		return existing
	}

	r.VariantMap[stepIndex] = variantID

	return variantID
}

// ReleaseClaim clears the lease fields.
func (r *Run) ReleaseClaim() {
	r.ClaimToken = ""
	r.ClaimExpiresAt = nil
}

// DedupKey identifies one dispatch attempt of one step of this run.
func (r *Run) DedupKey() string {
	return DispatchDedupKey(r.ID, r.StepIndex, r.Attempt)
}

// DispatchDedupKey builds the run_id:step_index:attempt idempotency key.
func DispatchDedupKey(runID string, stepIndex, attempt int) string {
	return runID + ":" + strconv.Itoa(stepIndex) + ":" + strconv.Itoa(attempt)
}

// Clone returns a copy safe to mutate independently of the original.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}

	clone := *r
	clone.NextDueAt = copyTime(r.NextDueAt)
	clone.LastEventAt = copyTime(r.LastEventAt)
	clone.ClaimExpiresAt = copyTime(r.ClaimExpiresAt)

	clone.VariantMap = make(map[int]string, len(r.VariantMap))
	for k, v := range r.VariantMap {
		clone.VariantMap[k] = v
	}

	if r.Variables != nil {
		clone.Variables = make(map[string]any, len(r.Variables))
		for k, v := range r.Variables {
			clone.Variables[k] = v
		}
	}

	clone.PlaybookSnapshot = r.PlaybookSnapshot.Clone()

	return &clone
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
