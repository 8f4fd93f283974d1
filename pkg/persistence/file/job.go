package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/google/uuid"
)

// JobRepository stores digest and alert jobs in jobs.json.
type JobRepository struct {
	fp *Persistence
}

// SaveJob inserts or replaces a job definition. Lease fields of an existing job are preserved.
func (r *JobRepository) SaveJob(_ context.Context, job *models.Job) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	now := time.Now().UTC()

	if existing, ok := r.fp.jobs[job.ID]; ok {
		job.CreatedAt = existing.CreatedAt
		job.ClaimToken = existing.ClaimToken
		job.ClaimExpiresAt = existing.ClaimExpiresAt
	} else if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	return r.fp.putJob(job.Clone())
}

// JobByID returns a copy of the stored job.
func (r *JobRepository) JobByID(_ context.Context, id string) (*models.Job, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	job, ok := r.fp.jobs[id]
	if !ok {
		return nil, persistence.ErrJobNotFound
	}

	return job.Clone(), nil
}

// Jobs lists jobs of a kind, or every job when kind is empty.
func (r *JobRepository) Jobs(_ context.Context, kind models.JobKind) ([]*models.Job, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	jobs := make([]*models.Job, 0, len(r.fp.jobs))

	for _, job := range r.fp.jobs {
		if kind != "" && job.Kind != kind {
			continue
		}

		jobs = append(jobs, job.Clone())
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	return jobs, nil
}

// DueJobs lists unleased active jobs whose watermark elapsed.
func (r *JobRepository) DueJobs(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	due := make([]*models.Job, 0)

	for _, job := range r.fp.jobs {
		if job.IsDueAt(now) && !job.IsClaimedAt(now) {
			due = append(due, job.Clone())
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].ID < due[j].ID
		}

		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})

	return paginate(due, 0, limit), nil
}

// ClaimJob takes the lease when the job is still due and no live lease exists.
func (r *JobRepository) ClaimJob(_ context.Context, id, token string, now, leaseUntil time.Time) (*models.Job, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, ok := r.fp.jobs[id]
	if !ok {
		return nil, persistence.NewJobError("claim", id, persistence.ErrJobNotFound)
	}

	if !stored.IsDueAt(now) || stored.IsClaimedAt(now) {
		return nil, persistence.NewJobError("claim", id, persistence.ErrClaimLost)
	}

	job := stored.Clone()
	expires := leaseUntil
	job.ClaimToken = token
	job.ClaimExpiresAt = &expires
	job.UpdatedAt = time.Now().UTC()

	if err := r.fp.putJob(job); err != nil {
		return nil, err
	}

	return job.Clone(), nil
}

// CompleteJob advances the watermark and drops the lease held by token.
func (r *JobRepository) CompleteJob(_ context.Context, id, token string, lastRunAt, nextRunAt time.Time) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, ok := r.fp.jobs[id]
	if !ok {
		return persistence.NewJobError("complete", id, persistence.ErrJobNotFound)
	}

	if stored.ClaimToken != token {
		return persistence.NewJobError("complete", id, persistence.ErrClaimLost)
	}

	job := stored.Clone()
	last := lastRunAt
	job.LastRunAt = &last
	job.NextRunAt = nextRunAt
	job.ClaimToken = ""
	job.ClaimExpiresAt = nil
	job.UpdatedAt = time.Now().UTC()

	return r.fp.putJob(job)
}

// ReleaseJob drops the lease held by token without moving the watermark.
func (r *JobRepository) ReleaseJob(_ context.Context, id, token string) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, ok := r.fp.jobs[id]
	if !ok {
		return persistence.NewJobError("release", id, persistence.ErrJobNotFound)
	}

	if stored.ClaimToken != token {
		return persistence.NewJobError("release", id, persistence.ErrClaimLost)
	}

	job := stored.Clone()
	job.ClaimToken = ""
	job.ClaimExpiresAt = nil
	job.UpdatedAt = time.Now().UTC()

	return r.fp.putJob(job)
}

// AppendOccurrence records one job firing.
func (r *JobRepository) AppendOccurrence(_ context.Context, occurrence *models.AlertOccurrence) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	if occurrence.ID == "" {
		occurrence.ID = uuid.NewString()
	}

	stored := *occurrence
	r.fp.occurrences[occurrence.JobID] = append(r.fp.occurrences[occurrence.JobID], &stored)

	return r.fp.flushOccurrences()
}

// OccurrencesForJob returns the job's firings in insertion order.
func (r *JobRepository) OccurrencesForJob(_ context.Context, jobID string) ([]*models.AlertOccurrence, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored := r.fp.occurrences[jobID]
	occurrences := make([]*models.AlertOccurrence, 0, len(stored))

	for _, occurrence := range stored {
		copied := *occurrence
		occurrences = append(occurrences, &copied)
	}

	return occurrences, nil
}
