package models

import "time"

// Outcome classifies what happened to a step attempt.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeTerminalFailure  Outcome = "terminal_failure"
	OutcomeSkipped          Outcome = "skipped"
)

// Action describes the lifecycle operation a RunEvent records.
type Action string

const (
	ActionDispatch Action = "dispatch"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionStop     Action = "stop"
)

// RunEvent is an append-only record of an attempted or executed step.
type RunEvent struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"     validate:"required"`
	StepIndex int       `json:"step_index" validate:"min=0"`
	VariantID string    `json:"variant_id,omitempty"`
	Action    Action    `json:"action"     validate:"required"`
	Channel   Channel   `json:"channel,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Attempt   int       `json:"attempt"`
	DedupKey  string    `json:"dedup_key,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
