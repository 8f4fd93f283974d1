package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Job manages digest and alert jobs.
type Job struct {
	persistence persistence.Persistence
	validator   *validator.Validate
	now         func() time.Time
	logger      *slog.Logger
}

// NewJob creates a new job service.
func NewJob(persistence persistence.Persistence, logger *slog.Logger) *Job {
	return &Job{
		persistence: persistence,
		validator:   validator.New(validator.WithRequiredStructEnabled()),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With("module", "job_service"),
	}
}

// Create stores a new job. Unless NextRunAt is set, the first firing is one
// cadence after creation.
func (j *Job) Create(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job == nil {
		return nil, NewValidationError("create_job", "JOB_REQUIRED", "job is required", ErrInvalidRequest)
	}

	if err := j.validator.Struct(job); err != nil {
		return nil, NewValidationError("create_job", "INVALID_JOB", err.Error(), ErrInvalidRequest)
	}

	if err := job.Cadence.Validate(); err != nil {
		return nil, NewValidationError("create_job", "INVALID_CADENCE", err.Error(), ErrInvalidCadence)
	}

	now := j.now()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if job.NextRunAt.IsZero() {
		next, err := job.Cadence.Next(now)
		if err != nil {
			return nil, NewValidationError("create_job", "INVALID_CADENCE", err.Error(), ErrInvalidCadence)
		}

		job.NextRunAt = next
	}

	job.LastRunAt = nil
	job.ClaimToken = ""
	job.ClaimExpiresAt = nil
	job.CreatedAt = now

	if err := j.persistence.JobRepository().SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	j.logger.InfoContext(ctx, "Job created",
		"job_id", job.ID,
		"kind", job.Kind,
		"cadence", job.Cadence.Kind,
		"next_run_at", job.NextRunAt,
	)

	return job, nil
}

// Get retrieves a job by its ID.
func (j *Job) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := j.persistence.JobRepository().JobByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	return job, nil
}

// List returns jobs of a kind, or all jobs when kind is empty.
func (j *Job) List(ctx context.Context, kind models.JobKind) ([]*models.Job, error) {
	jobs, err := j.persistence.JobRepository().Jobs(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// Occurrences returns the firing history of a job.
func (j *Job) Occurrences(ctx context.Context, id string) ([]*models.AlertOccurrence, error) {
	if _, err := j.Get(ctx, id); err != nil {
		return nil, err
	}

	occurrences, err := j.persistence.JobRepository().OccurrencesForJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get occurrences of job %s: %w", id, err)
	}

	return occurrences, nil
}

// SetActive enables or disables a job. Re-enabling a job whose watermark is
// in the past moves it to now so it fires once instead of catching up.
func (j *Job) SetActive(ctx context.Context, id string, active bool) (*models.Job, error) {
	job, err := j.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Active == active {
		return job, nil
	}

	job.Active = active

	if now := j.now(); active && job.NextRunAt.Before(now) {
		job.NextRunAt = now
	}

	if err := j.persistence.JobRepository().SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}

	j.logger.InfoContext(ctx, "Job activation changed", "job_id", id, "active", active)

	return job, nil
}
