package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/dukex/outbound/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last.
	for _, table := range []string{"alert_occurrences", "jobs", "run_events", "runs", "playbooks", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("outbound_test"),
			postgres.WithUsername("outbound"),
			postgres.WithPassword("outbound"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func seedPlaybook(ctx context.Context, t *testing.T, p *postgresql.Persistence) *models.Playbook {
	t.Helper()

	playbook := &models.Playbook{
		ID:     uuid.NewString(),
		Name:   "Cold outreach",
		Status: models.PlaybookStatusActive,
		Steps: []models.Step{
			{Index: 0, Channel: models.ChannelEmail, Variants: []models.Variant{{ID: "a", Weight: 70, TemplateID: "t-a"}, {ID: "b", Weight: 30, TemplateID: "t-b"}}},
			{Index: 1, DelayDays: 3, RequiresBusinessHours: true, Channel: models.ChannelWhatsApp, Variants: []models.Variant{{ID: "c", Weight: 1, TemplateID: "t-c"}}},
		},
		VariablesSchema: map[string]any{"type": "object"},
	}

	require.NoError(t, p.PlaybookRepository().SavePlaybook(ctx, playbook))

	return playbook
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"playbooks", "runs", "run_events", "jobs", "alert_occurrences"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestPlaybookRepository_SaveAndRetrieve(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	playbook := seedPlaybook(ctx, t, p)
	assert.Equal(t, 1, playbook.Version)

	retrieved, err := p.PlaybookRepository().PlaybookByID(ctx, playbook.ID)
	require.NoError(t, err)
	require.Len(t, retrieved.Steps, 2)
	assert.Equal(t, 3, retrieved.Steps[1].DelayDays)
	assert.True(t, retrieved.Steps[1].RequiresBusinessHours)
	assert.InDelta(t, 70.0, retrieved.Steps[0].Variants[0].Weight, 0.0001)
	assert.Equal(t, "object", retrieved.VariablesSchema["type"])

	playbook.Name = "Cold outreach v2"
	require.NoError(t, p.PlaybookRepository().SavePlaybook(ctx, playbook))
	assert.Equal(t, 2, playbook.Version)

	_, err = p.PlaybookRepository().PlaybookByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, persistence.ErrPlaybookNotFound)
}

func TestRunRepository_ActiveRunUniqueness(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	playbook := seedPlaybook(ctx, t, p)
	repo := p.RunRepository()
	now := time.Now().UTC()

	first := models.NewRun(uuid.NewString(), "lead-1", playbook, nil, now)
	require.NoError(t, repo.CreateRun(ctx, first))

	second := models.NewRun(uuid.NewString(), "lead-1", playbook, nil, now)
	err := repo.CreateRun(ctx, second)
	require.ErrorIs(t, err, persistence.ErrRunAlreadyActive)

	existing, ok := persistence.ExistingRunID(err)
	require.True(t, ok)
	assert.Equal(t, first.ID, existing)

	first.Status = models.RunStatusCompleted
	first.NextDueAt = nil
	require.NoError(t, repo.UpdateRun(ctx, first, first.UpdatedAt))

	assert.NoError(t, repo.CreateRun(ctx, second))
}

func TestRunRepository_UpdateRunOptimisticVersion(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	playbook := seedPlaybook(ctx, t, p)
	repo := p.RunRepository()

	run := models.NewRun(uuid.NewString(), "lead-1", playbook, map[string]any{"company": "ACME"}, time.Now().UTC())
	require.NoError(t, repo.CreateRun(ctx, run))

	stale := run.UpdatedAt

	run.RecordVariant(0, "a")
	run.StepIndex = 1
	require.NoError(t, repo.UpdateRun(ctx, run, stale))

	run.StepIndex = 2
	assert.True(t, persistence.IsStaleRun(repo.UpdateRun(ctx, run, stale)))

	stored, err := repo.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.StepIndex)
	assert.Equal(t, "a", stored.VariantMap[0])
	assert.Equal(t, "ACME", stored.Variables["company"])
	require.NotNil(t, stored.PlaybookSnapshot)
	assert.Len(t, stored.PlaybookSnapshot.Steps, 2)
	assert.True(t, stored.UpdatedAt.Equal(run.UpdatedAt))

	missing := models.NewRun(uuid.NewString(), "lead-9", playbook, nil, time.Now().UTC())
	assert.True(t, persistence.IsRunNotFound(repo.UpdateRun(ctx, missing, time.Now().UTC())))
}

func TestRunRepository_ClaimRunSingleWinner(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	playbook := seedPlaybook(ctx, t, p)
	repo := p.RunRepository()
	now := time.Now().UTC()

	run := models.NewRun(uuid.NewString(), "lead-1", playbook, nil, now.Add(-time.Minute))
	require.NoError(t, repo.CreateRun(ctx, run))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := repo.ClaimRun(ctx, run.ID, uuid.NewString(), now, now.Add(time.Minute))
			if err == nil {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	due, err := repo.DueRuns(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.DueRuns(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestRunRepository_AppendEventDedup(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	playbook := seedPlaybook(ctx, t, p)
	repo := p.RunRepository()

	run := models.NewRun(uuid.NewString(), "lead-1", playbook, nil, time.Now().UTC())
	require.NoError(t, repo.CreateRun(ctx, run))

	event := &models.RunEvent{
		RunID:     run.ID,
		StepIndex: 0,
		VariantID: "a",
		Action:    models.ActionDispatch,
		Channel:   models.ChannelEmail,
		Outcome:   models.OutcomeSent,
		LatencyMs: 42,
		DedupKey:  run.DedupKey(),
	}
	require.NoError(t, repo.AppendEvent(ctx, event))

	replay := *event
	replay.ID = ""
	assert.True(t, persistence.IsDuplicateEvent(repo.AppendEvent(ctx, &replay)))

	pause := &models.RunEvent{RunID: run.ID, Action: models.ActionPause}
	require.NoError(t, repo.AppendEvent(ctx, pause))

	events, err := repo.EventsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(42), events[0].LatencyMs)
	assert.Equal(t, models.OutcomeSent, events[0].Outcome)
}

func TestJobRepository_ClaimCompleteCycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.JobRepository()
	now := time.Now().UTC()

	job := &models.Job{
		ID:        uuid.NewString(),
		Kind:      models.JobKindAlert,
		Name:      "Reply rate drop",
		Cadence:   models.Cadence{Kind: models.CadenceCron, Expression: "0 9 * * 1"},
		Active:    true,
		Config:    map[string]any{"threshold": 0.1},
		NextRunAt: now.Add(-time.Second),
	}
	require.NoError(t, repo.SaveJob(ctx, job))

	claimed, err := repo.ClaimJob(ctx, job.ID, "tok", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * 1", claimed.Cadence.Expression)

	_, err = repo.ClaimJob(ctx, job.ID, "other", now, now.Add(time.Minute))
	assert.True(t, persistence.IsClaimLost(err))

	next := now.Add(24 * time.Hour)
	require.NoError(t, repo.CompleteJob(ctx, job.ID, "tok", now, next))
	assert.True(t, persistence.IsClaimLost(repo.ReleaseJob(ctx, job.ID, "tok")))

	require.NoError(t, repo.AppendOccurrence(ctx, &models.AlertOccurrence{
		JobID: job.ID, FiredAt: now, Outcome: models.OutcomeSent, Detail: map[string]any{"count": 3},
	}))

	occurrences, err := repo.OccurrencesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, occurrences, 1)
	assert.InDelta(t, 3.0, occurrences[0].Detail["count"], 0.0001)

	jobs, err := repo.Jobs(ctx, models.JobKindAlert)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.WithinDuration(t, next, jobs[0].NextRunAt, time.Millisecond)
}
