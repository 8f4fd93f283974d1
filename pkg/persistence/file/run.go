package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/google/uuid"
)

// RunRepository stores runs in runs.json and their events in run_events.json.
type RunRepository struct {
	fp *Persistence
}

// CreateRun inserts a new run, refusing a second active run for the same lead and playbook.
func (r *RunRepository) CreateRun(_ context.Context, run *models.Run) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	if run.Status == models.RunStatusActive {
		if existing := r.activeRunLocked(run.LeadID, run.PlaybookID, run.ID); existing != nil {
			return &persistence.ActiveRunConflict{
				LeadID:        run.LeadID,
				PlaybookID:    run.PlaybookID,
				ExistingRunID: existing.ID,
			}
		}
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	run.UpdatedAt = persistence.NextVersion(time.Time{})

	return r.fp.putRun(run.Clone())
}

// RunByID returns a copy of the stored run.
func (r *RunRepository) RunByID(_ context.Context, id string) (*models.Run, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	run, ok := r.fp.runs[id]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}

	return run.Clone(), nil
}

// ActiveRunFor returns the active run of a lead in a playbook.
func (r *RunRepository) ActiveRunFor(_ context.Context, leadID, playbookID string) (*models.Run, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	run := r.activeRunLocked(leadID, playbookID, "")
	if run == nil {
		return nil, persistence.ErrRunNotFound
	}

	return run.Clone(), nil
}

// Runs lists runs matching opts ordered by creation time.
func (r *RunRepository) Runs(_ context.Context, opts persistence.ListRunsOptions) ([]*models.Run, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	runs := make([]*models.Run, 0)

	for _, run := range r.fp.runs {
		if opts.LeadID != "" && run.LeadID != opts.LeadID {
			continue
		}

		if opts.PlaybookID != "" && run.PlaybookID != opts.PlaybookID {
			continue
		}

		if opts.Status != nil && run.Status != *opts.Status {
			continue
		}

		runs = append(runs, run.Clone())
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}

		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})

	return paginate(runs, opts.Offset, opts.Limit), nil
}

// UpdateRun replaces the stored run when its version still equals expectedUpdatedAt.
func (r *RunRepository) UpdateRun(_ context.Context, run *models.Run, expectedUpdatedAt time.Time) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, ok := r.fp.runs[run.ID]
	if !ok {
		return persistence.NewRunError("update", run.ID, persistence.ErrRunNotFound)
	}

	if !stored.UpdatedAt.Equal(expectedUpdatedAt) {
		return persistence.NewRunError("update", run.ID, persistence.ErrStaleRun)
	}

	if run.Status == models.RunStatusActive && stored.Status != models.RunStatusActive {
		if existing := r.activeRunLocked(run.LeadID, run.PlaybookID, run.ID); existing != nil {
			return &persistence.ActiveRunConflict{
				LeadID:        run.LeadID,
				PlaybookID:    run.PlaybookID,
				ExistingRunID: existing.ID,
			}
		}
	}

	run.CreatedAt = stored.CreatedAt
	run.UpdatedAt = persistence.NextVersion(stored.UpdatedAt)

	return r.fp.putRun(run.Clone())
}

// DueRuns lists unleased active runs whose watermark elapsed, oldest due first.
func (r *RunRepository) DueRuns(_ context.Context, now time.Time, limit int) ([]*models.Run, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	due := make([]*models.Run, 0)

	for _, run := range r.fp.runs {
		if run.IsDueAt(now) && !run.IsClaimedAt(now) {
			due = append(due, run.Clone())
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].NextDueAt.Equal(*due[j].NextDueAt) {
			return due[i].ID < due[j].ID
		}

		return due[i].NextDueAt.Before(*due[j].NextDueAt)
	})

	return paginate(due, 0, limit), nil
}

// ClaimRun takes the lease when the run is still due and no live lease exists.
func (r *RunRepository) ClaimRun(_ context.Context, id, token string, now, leaseUntil time.Time) (*models.Run, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, ok := r.fp.runs[id]
	if !ok {
		return nil, persistence.NewRunError("claim", id, persistence.ErrRunNotFound)
	}

	if !stored.IsDueAt(now) || stored.IsClaimedAt(now) {
		return nil, persistence.NewRunError("claim", id, persistence.ErrClaimLost)
	}

	run := stored.Clone()
	expires := leaseUntil
	run.ClaimToken = token
	run.ClaimExpiresAt = &expires
	run.UpdatedAt = persistence.NextVersion(stored.UpdatedAt)

	if err := r.fp.putRun(run); err != nil {
		return nil, err
	}

	return run.Clone(), nil
}

// ReleaseRun clears the lease if token still owns it.
func (r *RunRepository) ReleaseRun(_ context.Context, id, token string) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, ok := r.fp.runs[id]
	if !ok {
		return persistence.NewRunError("release", id, persistence.ErrRunNotFound)
	}

	if stored.ClaimToken != token {
		return persistence.NewRunError("release", id, persistence.ErrClaimLost)
	}

	run := stored.Clone()
	run.ReleaseClaim()
	run.UpdatedAt = persistence.NextVersion(stored.UpdatedAt)

	return r.fp.putRun(run)
}

// AppendEvent records an event unless one with the same dedup key exists.
func (r *RunRepository) AppendEvent(_ context.Context, event *models.RunEvent) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	if event.DedupKey != "" {
		if _, exists := r.fp.dedupKeys[event.DedupKey]; exists {
			return persistence.NewRunError("append_event", event.RunID, persistence.ErrDuplicateEvent)
		}
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	stored := *event
	r.fp.events[event.RunID] = append(r.fp.events[event.RunID], &stored)

	if event.DedupKey != "" {
		r.fp.dedupKeys[event.DedupKey] = &stored
	}

	return r.fp.flushEvents()
}

// EventsForRun returns the run's events in insertion order.
func (r *RunRepository) EventsForRun(_ context.Context, runID string) ([]*models.RunEvent, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored := r.fp.events[runID]
	events := make([]*models.RunEvent, 0, len(stored))

	for _, event := range stored {
		copied := *event
		events = append(events, &copied)
	}

	return events, nil
}

func (r *RunRepository) activeRunLocked(leadID, playbookID, excludeID string) *models.Run {
	for _, run := range r.fp.runs {
		if run.ID == excludeID {
			continue
		}

		if run.LeadID == leadID && run.PlaybookID == playbookID && run.Status == models.RunStatusActive {
			return run
		}
	}

	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}

		items = items[offset:]
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}
