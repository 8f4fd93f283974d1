// Package models defines the core domain models for outbound playbook runs.
package models

import (
	"errors"
	"sort"
	"time"
)

// PlaybookStatus represents the lifecycle state of a playbook.
type PlaybookStatus string

const (
	PlaybookStatusDraft  PlaybookStatus = "draft"  // Editable, not enrollable
	PlaybookStatusActive PlaybookStatus = "active" // Accepts new enrollments
	PlaybookStatusPaused PlaybookStatus = "paused" // Temporarily closed for enrollment
)

// Channel identifies the delivery medium of a step.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelLinkedIn Channel = "linkedin"
	ChannelCall     Channel = "call"
)

var (
	// ErrPlaybookHasNoSteps is returned when a playbook without steps is validated.
	ErrPlaybookHasNoSteps = errors.New("playbook must have at least one step")

	// ErrStepIndexOutOfOrder is returned when step indexes are not 0..n-1.
	ErrStepIndexOutOfOrder = errors.New("step indexes must be unique and contiguous from 0")

	// ErrStepHasNoVariants is returned when a step has no content variants.
	ErrStepHasNoVariants = errors.New("step must have at least one variant")

	// ErrNegativeWeight is returned when a variant carries a negative weight.
	ErrNegativeWeight = errors.New("variant weight must be >= 0")
)

// Playbook is a named, ordered sequence of outreach steps.
type Playbook struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id,omitempty"`
	Name            string         `json:"name"                       validate:"required,min=3"`
	Status          PlaybookStatus `json:"status"                     validate:"required,oneof=draft active paused"`
	Steps           []Step         `json:"steps"                      validate:"required,min=1,dive"`
	VariablesSchema map[string]any `json:"variables_schema,omitempty"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Step is one unit of a playbook: a delay, a channel, a business-hours flag
// and a set of weighted content variants.
type Step struct {
	Index                 int       `json:"index"                   validate:"min=0"`
	DelayDays             int       `json:"delay_days"              validate:"min=0"`
	RequiresBusinessHours bool      `json:"requires_business_hours"`
	Channel               Channel   `json:"channel"                 validate:"required"`
	StopOnReply           bool      `json:"stop_on_reply"`
	Variants              []Variant `json:"variants"                validate:"required,min=1,dive"`
}

// Variant is one weighted content option of a step.
type Variant struct {
	ID         string  `json:"id"          validate:"required"`
	Weight     float64 `json:"weight"      validate:"min=0"`
	TemplateID string  `json:"template_id" validate:"required"`
}

// IsActive reports whether the playbook accepts enrollments.
func (p *Playbook) IsActive() bool {
	return p.Status == PlaybookStatusActive
}

// StepAt returns the step with the given index.
func (p *Playbook) StepAt(index int) (Step, bool) {
	for _, step := range p.Steps {
		if step.Index == index {
			return step, true
		}
	}

	return Step{}, false
}

// HasStep reports whether a step with the given index exists.
func (p *Playbook) HasStep(index int) bool {
	_, ok := p.StepAt(index)

	return ok
}

// SortSteps orders steps by index in place.
func (p *Playbook) SortSteps() {
	sort.SliceStable(p.Steps, func(i, j int) bool {
		return p.Steps[i].Index < p.Steps[j].Index
	})
}

// CheckSteps verifies the structural invariants that struct tags cannot express:
// indexes are 0..n-1 with no gaps and weights are never negative.
func (p *Playbook) CheckSteps() error {
	if len(p.Steps) == 0 {
		return ErrPlaybookHasNoSteps
	}

	seen := make(map[int]bool, len(p.Steps))

	for _, step := range p.Steps {
		if step.Index < 0 || step.Index >= len(p.Steps) || seen[step.Index] {
			return ErrStepIndexOutOfOrder
		}

		seen[step.Index] = true

		if len(step.Variants) == 0 {
			return ErrStepHasNoVariants
		}

		for _, variant := range step.Variants {
			if variant.Weight < 0 {
				return ErrNegativeWeight
			}
		}
	}

	return nil
}

// Clone returns a deep copy suitable for snapshotting into a run.
func (p *Playbook) Clone() *Playbook {
	if p == nil {
		return nil
	}

	clone := *p
	clone.Steps = make([]Step, len(p.Steps))

	for i, step := range p.Steps {
		clone.Steps[i] = step
		clone.Steps[i].Variants = append([]Variant(nil), step.Variants...)
	}

	if p.VariablesSchema != nil {
		clone.VariablesSchema = make(map[string]any, len(p.VariablesSchema))
		for k, v := range p.VariablesSchema {
			clone.VariablesSchema[k] = v
		}
	}

	return &clone
}
