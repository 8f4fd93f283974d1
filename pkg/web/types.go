// Package web provides HTTP request and response types for the run scheduler API.
package web

import (
	"time"

	"github.com/dukex/outbound/pkg/models"
)

// EnrollRunRequest represents the request body for enrolling a lead in a playbook.
type EnrollRunRequest struct {
	LeadID     string         `json:"leadId"              validate:"required"`
	PlaybookID string         `json:"playbookId"          validate:"required"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// EnrollRunResponse is returned when a run is created.
type EnrollRunResponse struct {
	RunID string `json:"runId"`
}

// StopRunRequest represents the optional body of a stop action.
type StopRunRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// CreatePlaybookRequest represents the request body for creating a playbook.
type CreatePlaybookRequest struct {
	ID              string                `json:"id,omitempty"`
	Name            string                `json:"name"                       validate:"required,min=3"`
	Status          models.PlaybookStatus `json:"status,omitempty"           validate:"omitempty,oneof=draft active paused"`
	Steps           []models.Step         `json:"steps"                      validate:"required,min=1"`
	VariablesSchema map[string]any        `json:"variables_schema,omitempty"`
}

// SetPlaybookStatusRequest represents the request body for changing a playbook status.
type SetPlaybookStatusRequest struct {
	Status models.PlaybookStatus `json:"status" validate:"required,oneof=draft active paused"`
}

// CreateJobRequest represents the request body for creating a digest or alert job.
type CreateJobRequest struct {
	ID        string         `json:"id,omitempty"`
	Kind      models.JobKind `json:"kind"                  validate:"required,oneof=digest alert"`
	Name      string         `json:"name"                  validate:"required"`
	Cadence   models.Cadence `json:"cadence"`
	Active    *bool          `json:"active,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
}

// SetJobActiveRequest represents the request body for enabling or disabling a job.
type SetJobActiveRequest struct {
	Active bool `json:"active"`
}

// RunResponse is the public view of a run. Claim bookkeeping and the
// playbook snapshot stay internal.
type RunResponse struct {
	ID              string         `json:"id"`
	LeadID          string         `json:"lead_id"`
	PlaybookID      string         `json:"playbook_id"`
	PlaybookVersion int            `json:"playbook_version"`
	Status          string         `json:"status"`
	StepIndex       int            `json:"step_index"`
	Attempt         int            `json:"attempt"`
	NextDueAt       *time.Time     `json:"next_due_at,omitempty"`
	LastEventAt     *time.Time     `json:"last_event_at,omitempty"`
	VariantMap      map[int]string `json:"variant_map"`
	StopReason      string         `json:"stop_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TransformRunResponse filters a run for API consumers.
func TransformRunResponse(run *models.Run) RunResponse {
	variantMap := run.VariantMap
	if variantMap == nil {
		variantMap = map[int]string{}
	}

	return RunResponse{
		ID:              run.ID,
		LeadID:          run.LeadID,
		PlaybookID:      run.PlaybookID,
		PlaybookVersion: run.PlaybookVersion,
		Status:          string(run.Status),
		StepIndex:       run.StepIndex,
		Attempt:         run.Attempt,
		NextDueAt:       run.NextDueAt,
		LastEventAt:     run.LastEventAt,
		VariantMap:      variantMap,
		StopReason:      run.StopReason,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}
}

// TransformRunsResponse filters a page of runs.
func TransformRunsResponse(runs []*models.Run) []RunResponse {
	response := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		response = append(response, TransformRunResponse(run))
	}

	return response
}

// ToPlaybook converts the request into a model for the playbook service.
func (r CreatePlaybookRequest) ToPlaybook() *models.Playbook {
	return &models.Playbook{
		ID:              r.ID,
		Name:            r.Name,
		Status:          r.Status,
		Steps:           r.Steps,
		VariablesSchema: r.VariablesSchema,
	}
}

// ToJob converts the request into a model for the job service. Jobs are active unless stated otherwise.
func (r CreateJobRequest) ToJob() *models.Job {
	job := &models.Job{
		ID:      r.ID,
		Kind:    r.Kind,
		Name:    r.Name,
		Cadence: r.Cadence,
		Active:  true,
		Config:  r.Config,
	}

	if r.Active != nil {
		job.Active = *r.Active
	}

	if r.NextRunAt != nil {
		job.NextRunAt = r.NextRunAt.UTC()
	}

	return job
}
