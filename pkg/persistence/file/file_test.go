package file

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlaybook() *models.Playbook {
	return &models.Playbook{
		ID:     "pb-1",
		Name:   "Cold outreach",
		Status: models.PlaybookStatusActive,
		Steps: []models.Step{
			{Index: 0, Channel: models.ChannelEmail, Variants: []models.Variant{{ID: "a", Weight: 1, TemplateID: "t-a"}}},
			{Index: 1, DelayDays: 3, Channel: models.ChannelEmail, Variants: []models.Variant{{ID: "b", Weight: 1, TemplateID: "t-b"}}},
		},
	}
}

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()

	fp, err := NewPersistence(t.TempDir())
	require.NoError(t, err)

	return fp
}

func TestNewPersistence_StripsScheme(t *testing.T) {
	dir := t.TempDir()

	fp, err := NewPersistence("file://" + dir)
	require.NoError(t, err)
	assert.Equal(t, dir, fp.root)
	assert.NoError(t, fp.HealthCheck(t.Context()))
}

func TestPlaybookRepository_SaveBumpsVersion(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.PlaybookRepository()

	playbook := newTestPlaybook()
	require.NoError(t, repo.SavePlaybook(t.Context(), playbook))
	assert.Equal(t, 1, playbook.Version)

	playbook.Name = "Renamed"
	require.NoError(t, repo.SavePlaybook(t.Context(), playbook))

	stored, err := repo.PlaybookByID(t.Context(), "pb-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, "Renamed", stored.Name)

	_, err = repo.PlaybookByID(t.Context(), "missing")
	assert.ErrorIs(t, err, persistence.ErrPlaybookNotFound)
}

func TestRunRepository_CreateRunRejectsSecondActive(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()
	now := time.Now().UTC()

	first := models.NewRun("run-1", "lead-1", newTestPlaybook(), nil, now)
	require.NoError(t, repo.CreateRun(t.Context(), first))

	second := models.NewRun("run-2", "lead-1", newTestPlaybook(), nil, now)
	err := repo.CreateRun(t.Context(), second)
	require.ErrorIs(t, err, persistence.ErrRunAlreadyActive)

	existing, ok := persistence.ExistingRunID(err)
	require.True(t, ok)
	assert.Equal(t, "run-1", existing)

	other := models.NewRun("run-3", "lead-2", newTestPlaybook(), nil, now)
	assert.NoError(t, repo.CreateRun(t.Context(), other))
}

func TestRunRepository_CompletedRunAllowsReenrollment(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()
	now := time.Now().UTC()

	run := models.NewRun("run-1", "lead-1", newTestPlaybook(), nil, now)
	require.NoError(t, repo.CreateRun(t.Context(), run))

	run.Status = models.RunStatusCompleted
	run.NextDueAt = nil
	require.NoError(t, repo.UpdateRun(t.Context(), run, run.UpdatedAt))

	again := models.NewRun("run-2", "lead-1", newTestPlaybook(), nil, now)
	assert.NoError(t, repo.CreateRun(t.Context(), again))
}

func TestRunRepository_UpdateRunDetectsStaleVersion(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()

	run := models.NewRun("run-1", "lead-1", newTestPlaybook(), nil, time.Now().UTC())
	require.NoError(t, repo.CreateRun(t.Context(), run))

	stale := run.UpdatedAt

	run.StepIndex = 1
	require.NoError(t, repo.UpdateRun(t.Context(), run, stale))
	assert.True(t, run.UpdatedAt.After(stale))

	run.StepIndex = 2
	err := repo.UpdateRun(t.Context(), run, stale)
	assert.True(t, persistence.IsStaleRun(err))

	stored, err := repo.RunByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.StepIndex)
}

func TestRunRepository_ResumeConflictsWithNewerActiveRun(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()
	now := time.Now().UTC()

	paused := models.NewRun("run-1", "lead-1", newTestPlaybook(), nil, now)
	require.NoError(t, repo.CreateRun(t.Context(), paused))

	paused.Status = models.RunStatusPaused
	require.NoError(t, repo.UpdateRun(t.Context(), paused, paused.UpdatedAt))

	active := models.NewRun("run-2", "lead-1", newTestPlaybook(), nil, now)
	require.NoError(t, repo.CreateRun(t.Context(), active))

	paused.Status = models.RunStatusActive
	err := repo.UpdateRun(t.Context(), paused, paused.UpdatedAt)
	assert.ErrorIs(t, err, persistence.ErrRunAlreadyActive)
}

func TestRunRepository_DueRunsSkipsLeasedAndFuture(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()
	now := time.Now().UTC()

	due := models.NewRun("run-due", "lead-1", newTestPlaybook(), nil, now.Add(-time.Minute))
	require.NoError(t, repo.CreateRun(t.Context(), due))

	future := models.NewRun("run-future", "lead-2", newTestPlaybook(), nil, now.Add(time.Hour))
	require.NoError(t, repo.CreateRun(t.Context(), future))

	leased := models.NewRun("run-leased", "lead-3", newTestPlaybook(), nil, now.Add(-2*time.Minute))
	require.NoError(t, repo.CreateRun(t.Context(), leased))

	_, err := repo.ClaimRun(t.Context(), "run-leased", "tok", now, now.Add(time.Minute))
	require.NoError(t, err)

	runs, err := repo.DueRuns(t.Context(), now, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-due", runs[0].ID)

	// An expired lease makes the run claimable again.
	runs, err = repo.DueRuns(t.Context(), now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRunRepository_ClaimRunSingleWinner(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()
	now := time.Now().UTC()

	run := models.NewRun("run-1", "lead-1", newTestPlaybook(), nil, now)
	require.NoError(t, repo.CreateRun(t.Context(), run))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	for i := range 16 {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			_, err := repo.ClaimRun(t.Context(), "run-1", string(rune('a'+worker)), now, now.Add(time.Minute))
			if err == nil {
				wins.Add(1)
			} else {
				assert.True(t, persistence.IsClaimLost(err))
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRunRepository_ReleaseRunRequiresOwner(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()
	now := time.Now().UTC()

	run := models.NewRun("run-1", "lead-1", newTestPlaybook(), nil, now)
	require.NoError(t, repo.CreateRun(t.Context(), run))

	_, err := repo.ClaimRun(t.Context(), "run-1", "owner", now, now.Add(time.Minute))
	require.NoError(t, err)

	assert.True(t, persistence.IsClaimLost(repo.ReleaseRun(t.Context(), "run-1", "intruder")))
	require.NoError(t, repo.ReleaseRun(t.Context(), "run-1", "owner"))

	stored, err := repo.RunByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, stored.ClaimToken)
	assert.Nil(t, stored.ClaimExpiresAt)
}

// blockWrites makes the next write of a collection document fail.
func blockWrites(t *testing.T, fp *Persistence, name string) func() {
	t.Helper()

	tmp := filepath.Join(fp.root, name+".tmp")
	require.NoError(t, os.Mkdir(tmp, 0o750))

	return func() {
		require.NoError(t, os.Remove(tmp))
	}
}

func TestRunRepository_FailedWriteLeavesLeaseUnchanged(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()
	now := time.Now().UTC()

	run := models.NewRun("run-1", "lead-1", newTestPlaybook(), nil, now)
	require.NoError(t, repo.CreateRun(t.Context(), run))

	unblock := blockWrites(t, fp, runsFile)

	_, err := repo.ClaimRun(t.Context(), "run-1", "owner", now, now.Add(time.Minute))
	require.Error(t, err)

	stored, err := repo.RunByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, stored.ClaimToken)
	assert.Nil(t, stored.ClaimExpiresAt)

	unblock()

	_, err = repo.ClaimRun(t.Context(), "run-1", "owner", now, now.Add(time.Minute))
	require.NoError(t, err)

	unblock = blockWrites(t, fp, runsFile)

	require.Error(t, repo.ReleaseRun(t.Context(), "run-1", "owner"))

	stored, err = repo.RunByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "owner", stored.ClaimToken)

	unblock()
	require.NoError(t, repo.ReleaseRun(t.Context(), "run-1", "owner"))
}

func TestRunRepository_FailedCreateIsNotVisible(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()
	now := time.Now().UTC()

	unblock := blockWrites(t, fp, runsFile)
	defer unblock()

	run := models.NewRun("run-1", "lead-1", newTestPlaybook(), nil, now)
	require.Error(t, repo.CreateRun(t.Context(), run))

	_, err := repo.RunByID(t.Context(), "run-1")
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestJobRepository_FailedWriteLeavesLeaseUnchanged(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.JobRepository()
	now := time.Now().UTC()

	require.NoError(t, repo.SaveJob(t.Context(), &models.Job{
		ID:        "alert-1",
		Kind:      models.JobKindAlert,
		Name:      "Failed runs",
		Cadence:   models.Cadence{Kind: models.CadenceDaily},
		Active:    true,
		NextRunAt: now.Add(-time.Second),
	}))

	unblock := blockWrites(t, fp, jobsFile)

	_, err := repo.ClaimJob(t.Context(), "alert-1", "owner", now, now.Add(time.Minute))
	require.Error(t, err)

	unblock()

	_, err = repo.ClaimJob(t.Context(), "alert-1", "other", now, now.Add(time.Minute))
	require.NoError(t, err, "a failed claim must not hold the lease")
}

func TestRunRepository_AppendEventDeduplicates(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.RunRepository()

	event := &models.RunEvent{
		RunID:    "run-1",
		Action:   models.ActionDispatch,
		Outcome:  models.OutcomeSent,
		DedupKey: models.DispatchDedupKey("run-1", 0, 0),
	}
	require.NoError(t, repo.AppendEvent(t.Context(), event))
	assert.NotEmpty(t, event.ID)

	duplicate := *event
	duplicate.ID = ""
	err := repo.AppendEvent(t.Context(), &duplicate)
	assert.True(t, persistence.IsDuplicateEvent(err))

	events, err := repo.EventsForRun(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPersistence_ReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()

	fp, err := NewPersistence(dir)
	require.NoError(t, err)

	require.NoError(t, fp.PlaybookRepository().SavePlaybook(t.Context(), newTestPlaybook()))

	run := models.NewRun("run-1", "lead-1", newTestPlaybook(), map[string]any{"first_name": "Ana"}, time.Now().UTC())
	run.RecordVariant(0, "a")
	require.NoError(t, fp.RunRepository().CreateRun(t.Context(), run))
	require.NoError(t, fp.RunRepository().AppendEvent(t.Context(), &models.RunEvent{
		RunID: "run-1", Action: models.ActionDispatch, DedupKey: "run-1:0:0",
	}))
	require.NoError(t, fp.Close(t.Context()))

	reopened, err := NewPersistence(dir)
	require.NoError(t, err)

	stored, err := reopened.RunRepository().RunByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "a", stored.VariantMap[0])
	assert.Equal(t, "Ana", stored.Variables["first_name"])
	assert.True(t, stored.UpdatedAt.Equal(run.UpdatedAt))

	err = reopened.RunRepository().AppendEvent(t.Context(), &models.RunEvent{
		RunID: "run-1", Action: models.ActionDispatch, DedupKey: "run-1:0:0",
	})
	assert.True(t, persistence.IsDuplicateEvent(err))
}

func TestJobRepository_ClaimAndComplete(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.JobRepository()
	now := time.Now().UTC()

	job := &models.Job{
		ID:        "digest-1",
		Kind:      models.JobKindDigest,
		Name:      "Weekly pipeline digest",
		Cadence:   models.Cadence{Kind: models.CadenceWeekly},
		Active:    true,
		NextRunAt: now.Add(-time.Second),
	}
	require.NoError(t, repo.SaveJob(t.Context(), job))

	due, err := repo.DueJobs(t.Context(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, err = repo.ClaimJob(t.Context(), "digest-1", "tok", now, now.Add(time.Minute))
	require.NoError(t, err)

	_, err = repo.ClaimJob(t.Context(), "digest-1", "other", now, now.Add(time.Minute))
	assert.True(t, persistence.IsClaimLost(err))

	next := now.Add(7 * 24 * time.Hour)
	require.NoError(t, repo.CompleteJob(t.Context(), "digest-1", "tok", now, next))

	stored, err := repo.JobByID(t.Context(), "digest-1")
	require.NoError(t, err)
	assert.True(t, stored.NextRunAt.Equal(next))
	require.NotNil(t, stored.LastRunAt)
	assert.Empty(t, stored.ClaimToken)

	due, err = repo.DueJobs(t.Context(), now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestJobRepository_Occurrences(t *testing.T) {
	fp := newTestPersistence(t)
	repo := fp.JobRepository()

	require.NoError(t, repo.AppendOccurrence(t.Context(), &models.AlertOccurrence{
		JobID: "alert-1", FiredAt: time.Now().UTC(), Outcome: models.OutcomeSent,
	}))

	occurrences, err := repo.OccurrencesForJob(t.Context(), "alert-1")
	require.NoError(t, err)
	require.Len(t, occurrences, 1)
	assert.NotEmpty(t, occurrences[0].ID)
}
