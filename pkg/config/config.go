// Package config loads scheduler tuning from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/outbound/pkg/dispatch"
	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/schedule"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrLeaseTooShort is returned when a lease could expire while its holder is still dispatching.
var ErrLeaseTooShort = errors.New("lease_duration must exceed the longest dispatch, retries and backoff included")

// Config is the scheduler configuration file.
type Config struct {
	TickInterval    time.Duration        `yaml:"tick_interval"    validate:"gt=0"`
	BatchSize       int                  `yaml:"batch_size"       validate:"min=1,max=1000"`
	Workers         int                  `yaml:"workers"          validate:"min=1,max=256"`
	LeaseDuration   time.Duration        `yaml:"lease_duration"   validate:"gt=0"`
	DispatchTimeout time.Duration        `yaml:"dispatch_timeout" validate:"gt=0"`
	// A step is sent at most DispatchRetry.MaxAttempts * RunRetry.MaxAttempts
	// times: 1 * 3 with the defaults.
	DispatchRetry   dispatch.RetryPolicy `yaml:"dispatch_retry"`
	RunRetry        dispatch.RetryPolicy `yaml:"run_retry"`
	BusinessHours   BusinessHours        `yaml:"business_hours"`
	Leader          Leader               `yaml:"leader"`
	Senders         []Sender             `yaml:"senders"          validate:"dive"`
}

// BusinessHours is the YAML form of schedule.BusinessHours.
type BusinessHours struct {
	Timezone  string   `yaml:"timezone"   validate:"required"`
	StartHour int      `yaml:"start_hour" validate:"min=0,max=23"`
	EndHour   int      `yaml:"end_hour"   validate:"min=1,max=24,gtfield=StartHour"`
	Weekdays  []string `yaml:"weekdays"   validate:"required,min=1"`
}

// Leader configures Redis based leader election between scheduler processes.
type Leader struct {
	Enabled bool          `yaml:"enabled"`
	Key     string        `yaml:"key"     validate:"required_if=Enabled true"`
	TTL     time.Duration `yaml:"ttl"     validate:"min=0"`
}

// Sender binds a channel to a delivery provider.
type Sender struct {
	Channel  models.Channel    `yaml:"channel"  validate:"required,oneof=email whatsapp sms linkedin call"`
	Type     string            `yaml:"type"     validate:"required,oneof=http log"`
	Provider string            `yaml:"provider"`
	URL      string            `yaml:"url"      validate:"required_if=Type http"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"  validate:"min=0"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		TickInterval:    time.Minute,
		BatchSize:       50,
		Workers:         8,
		LeaseDuration:   5 * time.Minute,
		DispatchTimeout: 30 * time.Second,
		DispatchRetry:   dispatch.DefaultRetryPolicy(),
		RunRetry: dispatch.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 15 * time.Minute,
			MaxInterval:     4 * time.Hour,
			Multiplier:      2,
		},
		BusinessHours: BusinessHours{
			Timezone:  "UTC",
			StartHour: 9,
			EndHour:   18,
			Weekdays:  []string{"mon", "tue", "wed", "thu", "fri"},
		},
		Leader: Leader{
			Key: "outbound:scheduler:leader",
			TTL: 30 * time.Second,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks field constraints and the cross-field lease rule.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	if c.LeaseDuration <= c.DispatchRetry.MaxElapsed(c.DispatchTimeout) {
		return ErrLeaseTooShort
	}

	if _, err := c.BusinessHours.Window(); err != nil {
		return err
	}

	return nil
}

// Window converts the YAML form into a schedule.BusinessHours.
func (b BusinessHours) Window() (schedule.BusinessHours, error) {
	location, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return schedule.BusinessHours{}, fmt.Errorf("invalid business hours timezone %q: %w", b.Timezone, err)
	}

	weekdays, err := schedule.ParseWeekdays(b.Weekdays)
	if err != nil {
		return schedule.BusinessHours{}, err
	}

	window := schedule.BusinessHours{
		Location:  location,
		StartHour: b.StartHour,
		EndHour:   b.EndHour,
		Weekdays:  weekdays,
	}

	return window, window.Validate()
}
