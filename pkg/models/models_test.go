package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	requiredTag = "required"
	minTag      = "min"
)

var tuesday = time.Date(2025, time.March, 11, 10, 0, 0, 0, time.UTC)

func validPlaybook() *Playbook {
	return &Playbook{
		ID:     "pb-1",
		Name:   "Welcome sequence",
		Status: PlaybookStatusActive,
		Steps: []Step{
			{Index: 0, Channel: ChannelEmail, Variants: []Variant{{ID: "a", Weight: 1, TemplateID: "tpl-a"}}},
			{Index: 1, DelayDays: 3, Channel: ChannelSMS, Variants: []Variant{
				{ID: "b", Weight: 2, TemplateID: "tpl-b"},
				{ID: "c", Weight: 1, TemplateID: "tpl-c"},
			}},
		},
		Version: 1,
	}
}

func validationFields(t *testing.T, err error) map[string]string {
	t.Helper()

	var validationErrors validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrors))

	fields := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fields[fieldErr.Field()] = fieldErr.Tag()
	}

	return fields
}

// Playbook Model Tests

func TestPlaybook_Validation_Valid(t *testing.T) {
	validate := validator.New()
	assert.NoError(t, validate.Struct(validPlaybook()))
}

func TestPlaybook_Validation_MissingFields(t *testing.T) {
	validate := validator.New()

	err := validate.Struct(&Playbook{Name: "ab"})
	require.Error(t, err)

	fields := validationFields(t, err)
	assert.Equal(t, minTag, fields["Name"])
	assert.Equal(t, requiredTag, fields["Status"])
	assert.Equal(t, requiredTag, fields["Steps"])
}

func TestPlaybook_Validation_VariantWithoutTemplate(t *testing.T) {
	playbook := validPlaybook()
	playbook.Steps[1].Variants[0].TemplateID = ""

	validate := validator.New()
	err := validate.Struct(playbook)
	require.Error(t, err)

	assert.Equal(t, requiredTag, validationFields(t, err)["TemplateID"])
}

func TestPlaybook_CheckSteps(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Playbook)
		err    error
	}{
		{
			name:   "valid",
			modify: func(*Playbook) {},
		},
		{
			name:   "no steps",
			modify: func(p *Playbook) { p.Steps = nil },
			err:    ErrPlaybookHasNoSteps,
		},
		{
			name:   "gap in indexes",
			modify: func(p *Playbook) { p.Steps[1].Index = 2 },
			err:    ErrStepIndexOutOfOrder,
		},
		{
			name:   "duplicate index",
			modify: func(p *Playbook) { p.Steps[1].Index = 0 },
			err:    ErrStepIndexOutOfOrder,
		},
		{
			name:   "step without variants",
			modify: func(p *Playbook) { p.Steps[0].Variants = nil },
			err:    ErrStepHasNoVariants,
		},
		{
			name:   "negative weight",
			modify: func(p *Playbook) { p.Steps[1].Variants[1].Weight = -1 },
			err:    ErrNegativeWeight,
		},
		{
			name: "out of order but contiguous",
			modify: func(p *Playbook) {
				p.Steps[0], p.Steps[1] = p.Steps[1], p.Steps[0]
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			playbook := validPlaybook()
			tt.modify(playbook)

			err := playbook.CheckSteps()
			if tt.err == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestPlaybook_StepAtAndSort(t *testing.T) {
	playbook := validPlaybook()
	playbook.Steps[0], playbook.Steps[1] = playbook.Steps[1], playbook.Steps[0]

	step, ok := playbook.StepAt(1)
	require.True(t, ok)
	assert.Equal(t, ChannelSMS, step.Channel)
	assert.False(t, playbook.HasStep(2))

	playbook.SortSteps()
	assert.Equal(t, 0, playbook.Steps[0].Index)
	assert.Equal(t, 1, playbook.Steps[1].Index)
}

func TestPlaybook_CloneIsIndependent(t *testing.T) {
	playbook := validPlaybook()
	playbook.VariablesSchema = map[string]any{"type": "object"}

	clone := playbook.Clone()
	clone.Steps[1].Variants[0].Weight = 99
	clone.VariablesSchema["type"] = "array"

	assert.Equal(t, 2.0, playbook.Steps[1].Variants[0].Weight)
	assert.Equal(t, "object", playbook.VariablesSchema["type"])
	assert.Nil(t, (*Playbook)(nil).Clone())
}

// Run Model Tests

func TestRunStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		allowed  bool
	}{
		{RunStatusActive, RunStatusPaused, true},
		{RunStatusActive, RunStatusCompleted, true},
		{RunStatusActive, RunStatusFailed, true},
		{RunStatusPaused, RunStatusActive, true},
		{RunStatusPaused, RunStatusCompleted, true},
		{RunStatusCompleted, RunStatusActive, false},
		{RunStatusFailed, RunStatusActive, false},
		{RunStatusCompleted, RunStatusFailed, false},
		{RunStatusActive, RunStatusActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.False(t, RunStatusPaused.IsTerminal())
}

func TestNewRun(t *testing.T) {
	playbook := validPlaybook()
	playbook.TenantID = "acme"

	run := NewRun("run-1", "lead-1", playbook, map[string]any{"first_name": "Ana"}, tuesday)

	assert.Equal(t, RunStatusActive, run.Status)
	assert.Equal(t, 0, run.StepIndex)
	assert.Equal(t, "acme", run.TenantID)
	assert.Equal(t, 1, run.PlaybookVersion)
	require.NotNil(t, run.NextDueAt)
	assert.True(t, run.NextDueAt.Equal(tuesday))
	assert.True(t, run.IsDueAt(tuesday))
	assert.Empty(t, run.VariantMap)

	playbook.Steps[0].Channel = ChannelCall
	assert.Equal(t, ChannelEmail, run.PlaybookSnapshot.Steps[0].Channel)
}

func TestRun_IsDueAt(t *testing.T) {
	run := NewRun("run-1", "lead-1", validPlaybook(), nil, tuesday)

	assert.False(t, run.IsDueAt(tuesday.Add(-time.Second)))
	assert.True(t, run.IsDueAt(tuesday.Add(time.Second)))

	run.Status = RunStatusPaused
	assert.False(t, run.IsDueAt(tuesday.Add(time.Second)))

	run.Status = RunStatusActive
	run.NextDueAt = nil
	assert.False(t, run.IsDueAt(tuesday))
}

func TestRun_Claim(t *testing.T) {
	run := NewRun("run-1", "lead-1", validPlaybook(), nil, tuesday)
	assert.False(t, run.IsClaimedAt(tuesday))

	expires := tuesday.Add(time.Minute)
	run.ClaimToken = "worker-1"
	run.ClaimExpiresAt = &expires

	assert.True(t, run.IsClaimedAt(tuesday))
	assert.False(t, run.IsClaimedAt(expires))

	run.ReleaseClaim()
	assert.Empty(t, run.ClaimToken)
	assert.Nil(t, run.ClaimExpiresAt)
}

func TestRun_RecordVariantKeepsFirstChoice(t *testing.T) {
	run := &Run{}

	assert.Equal(t, "b", run.RecordVariant(1, "b"))
	assert.Equal(t, "b", run.RecordVariant(1, "c"))
	assert.Equal(t, map[int]string{1: "b"}, run.VariantMap)
}

func TestRun_DedupKey(t *testing.T) {
	run := &Run{ID: "run-1", StepIndex: 2, Attempt: 1}

	assert.Equal(t, "run-1:2:1", run.DedupKey())
	assert.Equal(t, "run-9:0:0", DispatchDedupKey("run-9", 0, 0))
}

func TestRun_CloneIsIndependent(t *testing.T) {
	run := NewRun("run-1", "lead-1", validPlaybook(), map[string]any{"k": "v"}, tuesday)
	run.RecordVariant(0, "a")

	clone := run.Clone()
	clone.VariantMap[1] = "b"
	clone.Variables["k"] = "changed"
	*clone.NextDueAt = tuesday.Add(time.Hour)
	clone.PlaybookSnapshot.Name = "changed"

	assert.Len(t, run.VariantMap, 1)
	assert.Equal(t, "v", run.Variables["k"])
	assert.True(t, run.NextDueAt.Equal(tuesday))
	assert.Equal(t, "Welcome sequence", run.PlaybookSnapshot.Name)
}

func TestRun_VariantMapJSONKeys(t *testing.T) {
	run := &Run{ID: "run-1", VariantMap: map[int]string{0: "a", 2: "c"}}

	data, err := json.Marshal(run)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"variant_map":{"0":"a","2":"c"}`)
}

// Cadence and Job Model Tests

func TestCadence_Next(t *testing.T) {
	tests := []struct {
		name    string
		cadence Cadence
		want    time.Time
		err     bool
	}{
		{
			name:    "daily",
			cadence: Cadence{Kind: CadenceDaily},
			want:    tuesday.Add(24 * time.Hour),
		},
		{
			name:    "weekly",
			cadence: Cadence{Kind: CadenceWeekly},
			want:    tuesday.Add(7 * 24 * time.Hour),
		},
		{
			name:    "cron on monday mornings",
			cadence: Cadence{Kind: CadenceCron, Expression: "0 9 * * 1"},
			want:    time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC),
		},
		{
			name:    "bad cron expression",
			cadence: Cadence{Kind: CadenceCron, Expression: "every monday"},
			err:     true,
		},
		{
			name:    "unknown kind",
			cadence: Cadence{Kind: "hourly"},
			err:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := tt.cadence.Next(tuesday)
			if tt.err {
				require.ErrorIs(t, err, ErrInvalidCadence)
				assert.ErrorIs(t, tt.cadence.Validate(), ErrInvalidCadence)

				return
			}

			require.NoError(t, err)
			assert.True(t, next.Equal(tt.want), "got %s, want %s", next, tt.want)
			assert.NoError(t, tt.cadence.Validate())
		})
	}
}

func TestJob_IsDueAt(t *testing.T) {
	job := &Job{ID: "job-1", Kind: JobKindDigest, Active: true, NextRunAt: tuesday}

	assert.True(t, job.IsDueAt(tuesday))
	assert.False(t, job.IsDueAt(tuesday.Add(-time.Minute)))

	job.Active = false
	assert.False(t, job.IsDueAt(tuesday.Add(time.Hour)))
}

func TestJob_Validation(t *testing.T) {
	validate := validator.New()

	err := validate.Struct(&Job{Kind: "report", Cadence: Cadence{Kind: CadenceDaily}})
	require.Error(t, err)

	fields := validationFields(t, err)
	assert.Equal(t, "oneof", fields["Kind"])
	assert.Equal(t, requiredTag, fields["Name"])

	err = validate.Struct(&Job{Kind: JobKindAlert, Name: "Failed runs"})
	require.Error(t, err)
	assert.Equal(t, requiredTag, validationFields(t, err)["Kind"])
}
