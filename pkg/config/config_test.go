package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "outbound.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoad_DefaultsWhenPathEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 50, cfg.BatchSize)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
tick_interval: 30s
batch_size: 10
business_hours:
  timezone: America/Sao_Paulo
  start_hour: 8
  end_hour: 17
  weekdays: [mon, tue, wed]
senders:
  - channel: email
    type: http
    provider: acme-mail
    url: http://mail.internal/send
    headers:
      Authorization: token
  - channel: sms
    type: log
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, Default().Workers, cfg.Workers)
	require.Len(t, cfg.Senders, 2)
	assert.Equal(t, models.ChannelEmail, cfg.Senders[0].Channel)
	assert.Equal(t, "token", cfg.Senders[0].Headers["Authorization"])

	window, err := cfg.BusinessHours.Window()
	require.NoError(t, err)
	assert.Equal(t, "America/Sao_Paulo", window.Location.String())
	assert.Len(t, window.Weekdays, 3)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "zero batch", body: "batch_size: 0\n"},
		{name: "http sender without url", body: "senders:\n  - channel: email\n    type: http\n"},
		{name: "unknown channel", body: "senders:\n  - channel: fax\n    type: log\n"},
		{name: "inverted window", body: "business_hours:\n  timezone: UTC\n  start_hour: 18\n  end_hour: 9\n  weekdays: [mon]\n"},
		{name: "unknown timezone", body: "business_hours:\n  timezone: Mars/Olympus\n  start_hour: 9\n  end_hour: 18\n  weekdays: [mon]\n"},
		{name: "leader without key", body: "leader:\n  enabled: true\n  key: \"\"\n"},
		{name: "not yaml", body: "batch_size: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_LeaseMustOutliveDispatch(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "lease_duration: 30s\ndispatch_timeout: 30s\n"))
	assert.ErrorIs(t, err, ErrLeaseTooShort)
}

func TestLoad_LeaseCoversBackoffBetweenAttempts(t *testing.T) {
	t.Parallel()

	retry := `
dispatch_timeout: 30s
dispatch_retry:
  max_attempts: 3
  initial_interval: 1s
  max_interval: 30s
  multiplier: 2
`

	// Three timeouts fit in 2m, but the two waits of up to 45s each do not.
	_, err := Load(writeConfig(t, "lease_duration: 2m\n"+retry))
	assert.ErrorIs(t, err, ErrLeaseTooShort)

	cfg, err := Load(writeConfig(t, "lease_duration: 3m1s\n"+retry))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, cfg.DispatchRetry.MaxElapsed(cfg.DispatchTimeout))
}

func TestDefault_BoundsSendsPerStep(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, 3, cfg.DispatchRetry.MaxAttempts*cfg.RunRetry.MaxAttempts)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
