// Package persistence provides the storage abstraction for playbooks, runs and periodic jobs.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/outbound/pkg/models"
)

// Persistence aggregates every repository used by the scheduler core.
type Persistence interface {
	PlaybookRepository() PlaybookRepository
	RunRepository() RunRepository
	JobRepository() JobRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// PlaybookRepository is the read side the core needs, plus Save for seeding and the admin API.
type PlaybookRepository interface {
	PlaybookByID(ctx context.Context, id string) (*models.Playbook, error)
	SavePlaybook(ctx context.Context, playbook *models.Playbook) error
}

// ListRunsOptions filters run listings.
type ListRunsOptions struct {
	LeadID     string
	PlaybookID string
	Status     *models.RunStatus
	Limit      int
	Offset     int
}

// RunRepository stores runs and their append-only event log.
//
// Every mutation that can race with a scheduler worker is conditional:
// UpdateRun compares UpdatedAt, ClaimRun compares status, watermark and lease.
type RunRepository interface {
	// CreateRun inserts an active run. If an active run already exists for the
	// same lead and playbook it returns an *ActiveRunConflict.
	CreateRun(ctx context.Context, run *models.Run) error
	RunByID(ctx context.Context, id string) (*models.Run, error)
	ActiveRunFor(ctx context.Context, leadID, playbookID string) (*models.Run, error)
	Runs(ctx context.Context, opts ListRunsOptions) ([]*models.Run, error)

	// UpdateRun persists run only if the stored UpdatedAt equals expectedUpdatedAt,
	// otherwise ErrStaleRun. On success run.UpdatedAt holds the new version.
	UpdateRun(ctx context.Context, run *models.Run, expectedUpdatedAt time.Time) error

	// DueRuns lists active runs with next_due_at <= now and no live lease, oldest first.
	DueRuns(ctx context.Context, now time.Time, limit int) ([]*models.Run, error)

	// ClaimRun atomically takes the lease on a due run. It returns ErrClaimLost
	// when another worker holds a live lease or the run is no longer due.
	ClaimRun(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.Run, error)

	// ReleaseRun drops the lease if token still owns it.
	ReleaseRun(ctx context.Context, id, token string) error

	// AppendEvent writes an event once. A second event with the same DedupKey
	// returns ErrDuplicateEvent and writes nothing.
	AppendEvent(ctx context.Context, event *models.RunEvent) error
	EventsForRun(ctx context.Context, runID string) ([]*models.RunEvent, error)
}

// JobRepository stores digest and alert jobs with the same claim contract as runs.
type JobRepository interface {
	SaveJob(ctx context.Context, job *models.Job) error
	JobByID(ctx context.Context, id string) (*models.Job, error)
	Jobs(ctx context.Context, kind models.JobKind) ([]*models.Job, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	ClaimJob(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.Job, error)

	// CompleteJob moves the watermark and releases the lease, only if token owns it.
	CompleteJob(ctx context.Context, id, token string, lastRunAt, nextRunAt time.Time) error
	ReleaseJob(ctx context.Context, id, token string) error

	AppendOccurrence(ctx context.Context, occurrence *models.AlertOccurrence) error
	OccurrencesForJob(ctx context.Context, jobID string) ([]*models.AlertOccurrence, error)
}
