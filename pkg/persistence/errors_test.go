package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/outbound/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("run error unwraps to sentinel", func(t *testing.T) {
		err := persistence.NewRunError("ClaimRun", "run-123", persistence.ErrClaimLost)

		assert.True(t, persistence.IsClaimLost(err))
		assert.True(t, errors.Is(err, persistence.ErrClaimLost))
		assert.False(t, persistence.IsRunNotFound(err))
	})

	t.Run("run error contains context", func(t *testing.T) {
		err := persistence.NewRunError("UpdateRun", "run-123", persistence.ErrStaleRun)

		assert.Contains(t, err.Error(), "UpdateRun")
		assert.Contains(t, err.Error(), "run-123")
		assert.Contains(t, err.Error(), "modified concurrently")
	})

	t.Run("job error unwraps to sentinel", func(t *testing.T) {
		err := persistence.NewJobError("JobByID", "job-1", persistence.ErrJobNotFound)

		assert.True(t, persistence.IsJobNotFound(err))
		assert.True(t, persistence.IsNotFound(err))
		assert.Contains(t, err.Error(), "job-1")
	})

	t.Run("not found covers every entity", func(t *testing.T) {
		assert.True(t, persistence.IsNotFound(persistence.ErrPlaybookNotFound))
		assert.True(t, persistence.IsNotFound(persistence.ErrRunNotFound))
		assert.True(t, persistence.IsNotFound(fmt.Errorf("wrapped: %w", persistence.ErrJobNotFound)))
		assert.False(t, persistence.IsNotFound(persistence.ErrDuplicateEvent))
	})
}

func TestActiveRunConflict(t *testing.T) {
	t.Parallel()

	conflict := &persistence.ActiveRunConflict{LeadID: "lead-1", PlaybookID: "pb-1", ExistingRunID: "run-9"}
	wrapped := persistence.NewRunError("CreateRun", "run-10", conflict)

	assert.ErrorIs(t, wrapped, persistence.ErrRunAlreadyActive)

	id, ok := persistence.ExistingRunID(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "run-9", id)

	_, ok = persistence.ExistingRunID(persistence.ErrRunNotFound)
	assert.False(t, ok)
}
