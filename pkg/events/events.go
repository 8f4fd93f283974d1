// Package events defines the run and job lifecycle notifications published on the event bus.
package events

import (
	"time"

	"github.com/dukex/outbound/pkg/models"
)

type EventType string

// Topic carries every lifecycle event; consumers filter on the event type metadata.
const Topic = "outbound.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunEnrolledEvent       EventType = "run.enrolled"
	RunStepDispatchedEvent EventType = "run.step_dispatched"
	RunCompletedEvent      EventType = "run.completed"
	RunFailedEvent         EventType = "run.failed"
	RunPausedEvent         EventType = "run.paused"
	RunResumedEvent        EventType = "run.resumed"
	JobFiredEvent          EventType = "job.fired"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps an event with its type and the current time.
func NewBaseEvent(id string, eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		ID:        id,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
	}
}

// RunEnrolled is emitted once a lead is enrolled into a playbook.
type RunEnrolled struct {
	BaseEvent

	RunID      string `json:"run_id"`
	LeadID     string `json:"lead_id"`
	PlaybookID string `json:"playbook_id"`
}

func (e RunEnrolled) GetType() EventType {
	return RunEnrolledEvent
}

// RunStepDispatched is emitted after an attempt of a step was recorded.
type RunStepDispatched struct {
	BaseEvent

	RunID      string         `json:"run_id"`
	LeadID     string         `json:"lead_id"`
	PlaybookID string         `json:"playbook_id"`
	StepIndex  int            `json:"step_index"`
	VariantID  string         `json:"variant_id"`
	Channel    models.Channel `json:"channel"`
	Outcome    models.Outcome `json:"outcome"`
	LatencyMs  int64          `json:"latency_ms"`
}

func (e RunStepDispatched) GetType() EventType {
	return RunStepDispatchedEvent
}

type RunCompleted struct {
	BaseEvent

	RunID      string `json:"run_id"`
	LeadID     string `json:"lead_id"`
	PlaybookID string `json:"playbook_id"`
	Reason     string `json:"reason,omitempty"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	RunID      string `json:"run_id"`
	LeadID     string `json:"lead_id"`
	PlaybookID string `json:"playbook_id"`
	StepIndex  int    `json:"step_index"`
	Error      string `json:"error"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunPaused struct {
	BaseEvent

	RunID string `json:"run_id"`
}

func (e RunPaused) GetType() EventType {
	return RunPausedEvent
}

type RunResumed struct {
	BaseEvent

	RunID     string    `json:"run_id"`
	NextDueAt time.Time `json:"next_due_at"`
}

func (e RunResumed) GetType() EventType {
	return RunResumedEvent
}

// JobFired is emitted after a digest or alert job ran, whatever its outcome.
type JobFired struct {
	BaseEvent

	JobID     string         `json:"job_id"`
	Kind      models.JobKind `json:"kind"`
	Outcome   models.Outcome `json:"outcome"`
	FiredAt   time.Time      `json:"fired_at"`
	NextRunAt time.Time      `json:"next_run_at"`
}

func (e JobFired) GetType() EventType {
	return JobFiredEvent
}
