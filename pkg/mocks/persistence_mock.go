package mocks

import (
	"context"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Playbooks *MockPlaybookRepository
	Runs      *MockRunRepository
	Jobs      *MockJobRepository
}

// NewMockPersistence returns a persistence whose repositories are fresh mocks.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Playbooks: &MockPlaybookRepository{},
		Runs:      &MockRunRepository{},
		Jobs:      &MockJobRepository{},
	}
}

func (m *MockPersistence) PlaybookRepository() persistence.PlaybookRepository {
	return m.Playbooks
}

func (m *MockPersistence) RunRepository() persistence.RunRepository {
	return m.Runs
}

func (m *MockPersistence) JobRepository() persistence.JobRepository {
	return m.Jobs
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockPlaybookRepository is a mock implementation of persistence.PlaybookRepository interface.
type MockPlaybookRepository struct {
	mock.Mock
}

func (m *MockPlaybookRepository) PlaybookByID(ctx context.Context, id string) (*models.Playbook, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Playbook), args.Error(1)
}

func (m *MockPlaybookRepository) SavePlaybook(ctx context.Context, playbook *models.Playbook) error {
	args := m.Called(ctx, playbook)

	return args.Error(0)
}

// MockRunRepository is a mock implementation of persistence.RunRepository interface.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) CreateRun(ctx context.Context, run *models.Run) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunRepository) RunByID(ctx context.Context, id string) (*models.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) ActiveRunFor(ctx context.Context, leadID, playbookID string) (*models.Run, error) {
	args := m.Called(ctx, leadID, playbookID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) Runs(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.Run, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunRepository) UpdateRun(ctx context.Context, run *models.Run, expectedUpdatedAt time.Time) error {
	args := m.Called(ctx, run, expectedUpdatedAt)

	return args.Error(0)
}

func (m *MockRunRepository) DueRuns(ctx context.Context, now time.Time, limit int) ([]*models.Run, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunRepository) ClaimRun(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.Run, error) {
	args := m.Called(ctx, id, token, now, leaseUntil)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) ReleaseRun(ctx context.Context, id, token string) error {
	args := m.Called(ctx, id, token)

	return args.Error(0)
}

func (m *MockRunRepository) AppendEvent(ctx context.Context, event *models.RunEvent) error {
	args := m.Called(ctx, event)

	return args.Error(0)
}

func (m *MockRunRepository) EventsForRun(ctx context.Context, runID string) ([]*models.RunEvent, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.RunEvent), args.Error(1)
}

// MockJobRepository is a mock implementation of persistence.JobRepository interface.
type MockJobRepository struct {
	mock.Mock
}

func (m *MockJobRepository) SaveJob(ctx context.Context, job *models.Job) error {
	args := m.Called(ctx, job)

	return args.Error(0)
}

func (m *MockJobRepository) JobByID(ctx context.Context, id string) (*models.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Job), args.Error(1)
}

func (m *MockJobRepository) Jobs(ctx context.Context, kind models.JobKind) ([]*models.Job, error) {
	args := m.Called(ctx, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Job), args.Error(1)
}

func (m *MockJobRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Job), args.Error(1)
}

func (m *MockJobRepository) ClaimJob(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.Job, error) {
	args := m.Called(ctx, id, token, now, leaseUntil)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Job), args.Error(1)
}

func (m *MockJobRepository) CompleteJob(ctx context.Context, id, token string, lastRunAt, nextRunAt time.Time) error {
	args := m.Called(ctx, id, token, lastRunAt, nextRunAt)

	return args.Error(0)
}

func (m *MockJobRepository) ReleaseJob(ctx context.Context, id, token string) error {
	args := m.Called(ctx, id, token)

	return args.Error(0)
}

func (m *MockJobRepository) AppendOccurrence(ctx context.Context, occurrence *models.AlertOccurrence) error {
	args := m.Called(ctx, occurrence)

	return args.Error(0)
}

func (m *MockJobRepository) OccurrencesForJob(ctx context.Context, jobID string) ([]*models.AlertOccurrence, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AlertOccurrence), args.Error(1)
}
