package web_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/testutil"
	"github.com/dukex/outbound/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidation(t *testing.T) {
	t.Parallel()

	v := validator.New(validator.WithRequiredStructEnabled())

	tests := []struct {
		name      string
		request   any
		errFields []string
	}{
		{
			name:    "valid enrollment",
			request: web.EnrollRunRequest{LeadID: "lead-1", PlaybookID: "pb-1"},
		},
		{
			name:      "enrollment without ids",
			request:   web.EnrollRunRequest{},
			errFields: []string{"LeadID", "PlaybookID"},
		},
		{
			name: "valid playbook",
			request: web.CreatePlaybookRequest{
				Name:  "Welcome",
				Steps: []models.Step{testutil.CreateTestStep(0, 0)},
			},
		},
		{
			name:      "playbook name too short and no steps",
			request:   web.CreatePlaybookRequest{Name: "Hi"},
			errFields: []string{"Name", "Steps"},
		},
		{
			name: "playbook with unknown status",
			request: web.CreatePlaybookRequest{
				Name:   "Welcome",
				Status: "archived",
				Steps:  []models.Step{testutil.CreateTestStep(0, 0)},
			},
			errFields: []string{"Status"},
		},
		{
			name:      "status change without status",
			request:   web.SetPlaybookStatusRequest{},
			errFields: []string{"Status"},
		},
		{
			name: "valid job",
			request: web.CreateJobRequest{
				Kind:    models.JobKindAlert,
				Name:    "Failed runs",
				Cadence: models.Cadence{Kind: models.CadenceDaily},
			},
		},
		{
			name:      "job with unknown kind",
			request:   web.CreateJobRequest{Kind: "report", Name: "Report", Cadence: models.Cadence{Kind: models.CadenceDaily}},
			errFields: []string{"Kind"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := v.Struct(tt.request)
			if len(tt.errFields) == 0 {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)

			var validationErrors validator.ValidationErrors
			require.True(t, errors.As(err, &validationErrors))

			fields := make([]string, 0, len(validationErrors))
			for _, fieldErr := range validationErrors {
				fields = append(fields, fieldErr.Field())
			}

			assert.ElementsMatch(t, tt.errFields, fields)
		})
	}
}

func TestTransformRunResponse(t *testing.T) {
	t.Parallel()

	now := testutil.Tuesday
	run := models.NewRun("run-1", "lead-1", testutil.CreateTestPlaybook(), nil, now)
	run.ClaimToken = "token"
	lease := now.Add(time.Minute)
	run.ClaimExpiresAt = &lease

	response := web.TransformRunResponse(run)

	assert.Equal(t, "run-1", response.ID)
	assert.Equal(t, "lead-1", response.LeadID)
	assert.Equal(t, string(models.RunStatusActive), response.Status)
	assert.NotNil(t, response.VariantMap)
	require.NotNil(t, response.NextDueAt)
	assert.True(t, response.NextDueAt.Equal(now))
}

func TestCreateJobRequest_ToJob(t *testing.T) {
	t.Parallel()

	next := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	inactive := false

	job := web.CreateJobRequest{
		Kind:      models.JobKindDigest,
		Name:      "Digest",
		Cadence:   models.Cadence{Kind: models.CadenceWeekly},
		NextRunAt: &next,
	}.ToJob()

	assert.True(t, job.Active)
	assert.Equal(t, time.UTC, job.NextRunAt.Location())
	assert.True(t, job.NextRunAt.Equal(next))

	job = web.CreateJobRequest{Kind: models.JobKindDigest, Name: "Digest", Active: &inactive}.ToJob()
	assert.False(t, job.Active)
	assert.True(t, job.NextRunAt.IsZero())
}
