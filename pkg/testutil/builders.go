// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence/file"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Tuesday is a weekday inside the default business window, 10:00 UTC.
var Tuesday = time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)

// Saturday is outside the default business window, 10:00 UTC.
var Saturday = time.Date(2025, time.March, 8, 10, 0, 0, 0, time.UTC)

// CreateTestPlaybook creates an active two-step email playbook that can be overridden.
// Step 1 waits three days.
func CreateTestPlaybook(overrides ...func(*models.Playbook)) *models.Playbook {
	playbook := &models.Playbook{
		ID:     uuid.NewString(),
		Name:   "Test Playbook",
		Status: models.PlaybookStatusActive,
		Steps: []models.Step{
			CreateTestStep(0, 0),
			CreateTestStep(1, 3),
		},
	}

	for _, override := range overrides {
		override(playbook)
	}

	return playbook
}

// CreateTestStep creates an email step with one A/B variant pair.
func CreateTestStep(index, delayDays int, overrides ...func(*models.Step)) models.Step {
	step := models.Step{
		Index:     index,
		DelayDays: delayDays,
		Channel:   models.ChannelEmail,
		Variants: []models.Variant{
			{ID: "A", Weight: 50, TemplateID: "tpl-a"},
			{ID: "B", Weight: 50, TemplateID: "tpl-b"},
		},
	}

	for _, override := range overrides {
		override(&step)
	}

	return step
}

// WithStatus sets the playbook status.
func WithStatus(status models.PlaybookStatus) func(*models.Playbook) {
	return func(p *models.Playbook) {
		p.Status = status
	}
}

// WithSteps replaces the playbook steps.
func WithSteps(steps ...models.Step) func(*models.Playbook) {
	return func(p *models.Playbook) {
		p.Steps = steps
	}
}

// WithVariablesSchema sets the JSON schema enrollments are checked against.
func WithVariablesSchema(schema map[string]any) func(*models.Playbook) {
	return func(p *models.Playbook) {
		p.VariablesSchema = schema
	}
}

// WithBusinessHours flags the step as business-hours only.
func WithBusinessHours() func(*models.Step) {
	return func(s *models.Step) {
		s.RequiresBusinessHours = true
	}
}

// WithStopOnReply flags the step as ending the run when the lead replies.
func WithStopOnReply() func(*models.Step) {
	return func(s *models.Step) {
		s.StopOnReply = true
	}
}

// WithChannel sets the step channel.
func WithChannel(channel models.Channel) func(*models.Step) {
	return func(s *models.Step) {
		s.Channel = channel
	}
}

// NewFilePersistence opens a file store in a temporary directory.
func NewFilePersistence(t *testing.T) *file.Persistence {
	t.Helper()

	fp, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	return fp
}

// SeedPlaybook saves playbook and fails the test on error.
func SeedPlaybook(t *testing.T, fp *file.Persistence, playbook *models.Playbook) *models.Playbook {
	t.Helper()

	require.NoError(t, fp.PlaybookRepository().SavePlaybook(t.Context(), playbook))

	return playbook
}

// Clock is a settable time source safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{current: t}
}

// Now returns the current time of the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = t
}
