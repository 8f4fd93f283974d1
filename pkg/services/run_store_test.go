package services

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/outbound/pkg/mocks"
	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/dukex/outbound/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMockedRun(p *mocks.MockPersistence, bus *mocks.MockEventBus) *Run {
	return NewRun(p, slog.New(slog.DiscardHandler),
		WithPublisher(bus),
		WithClock(testutil.NewClock(testutil.Tuesday).Now),
	)
}

func storedRun() *models.Run {
	return models.NewRun("run-1", "lead-1", testutil.CreateTestPlaybook(), nil, testutil.Tuesday)
}

func TestRun_Pause_RetriesStaleUpdate(t *testing.T) {
	t.Parallel()

	p := mocks.NewMockPersistence()
	bus := &mocks.MockEventBus{}
	service := newMockedRun(p, bus)

	p.Runs.On("RunByID", mock.Anything, "run-1").Return(storedRun(), nil).Once()
	p.Runs.On("RunByID", mock.Anything, "run-1").Return(storedRun(), nil).Once()
	p.Runs.On("UpdateRun", mock.Anything, mock.Anything, testutil.Tuesday).
		Return(persistence.NewRunError("update_run", "run-1", persistence.ErrStaleRun)).Once()
	p.Runs.On("UpdateRun", mock.Anything, mock.Anything, testutil.Tuesday).Return(nil).Once()
	p.Runs.On("AppendEvent", mock.Anything, mock.MatchedBy(func(event *models.RunEvent) bool {
		return event.Action == models.ActionPause && event.DedupKey == ""
	})).Return(nil).Once()
	bus.On("Publish", mock.Anything, "run-1", mock.AnythingOfType("events.RunPaused")).Return(nil).Once()

	run, err := service.Pause(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, run.Status)

	p.Runs.AssertExpectations(t)
	bus.AssertExpectations(t)
}

func TestRun_Pause_GivesUpAfterRepeatedConflicts(t *testing.T) {
	t.Parallel()

	p := mocks.NewMockPersistence()
	bus := &mocks.MockEventBus{}
	service := newMockedRun(p, bus)

	for range maxUpdateAttempts {
		p.Runs.On("RunByID", mock.Anything, "run-1").Return(storedRun(), nil).Once()
	}

	p.Runs.On("UpdateRun", mock.Anything, mock.Anything, mock.Anything).Return(persistence.ErrStaleRun)

	_, err := service.Pause(t.Context(), "run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrStaleRun)

	p.Runs.AssertNumberOfCalls(t, "UpdateRun", maxUpdateAttempts)
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_Enroll_StoreFailureIsNotAConflict(t *testing.T) {
	t.Parallel()

	p := mocks.NewMockPersistence()
	bus := &mocks.MockEventBus{}
	service := newMockedRun(p, bus)

	playbook := testutil.CreateTestPlaybook()
	storeErr := errors.New("connection reset by peer")

	p.Playbooks.On("PlaybookByID", mock.Anything, playbook.ID).Return(playbook, nil)
	p.Runs.On("CreateRun", mock.Anything, mock.AnythingOfType("*models.Run")).Return(storeErr)

	_, err := service.Enroll(t.Context(), EnrollRequest{LeadID: "lead-1", PlaybookID: playbook.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
	assert.False(t, IsConflictError(err))
	assert.False(t, IsValidationError(err))

	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_Stop_PublishFailureDoesNotUndoTransition(t *testing.T) {
	t.Parallel()

	p := mocks.NewMockPersistence()
	bus := &mocks.MockEventBus{}
	service := newMockedRun(p, bus)

	p.Runs.On("RunByID", mock.Anything, "run-1").Return(storedRun(), nil).Once()
	p.Runs.On("UpdateRun", mock.Anything, mock.Anything, testutil.Tuesday).Return(nil).Once()
	p.Runs.On("AppendEvent", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	bus.On("Publish", mock.Anything, "run-1", mock.AnythingOfType("events.RunCompleted")).
		Return(errors.New("broker unavailable")).Once()

	run, err := service.Stop(t.Context(), "run-1", StopRequest{Reason: "bounced", Force: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "bounced", run.StopReason)

	bus.AssertExpectations(t)
}
