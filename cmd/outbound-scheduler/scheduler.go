package main

import (
	"fmt"
	"log/slog"

	"github.com/dukex/outbound/pkg/config"
	"github.com/dukex/outbound/pkg/dispatch"
	"github.com/dukex/outbound/pkg/eventbus"
	"github.com/dukex/outbound/pkg/leader"
	"github.com/dukex/outbound/pkg/metrics"
	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/dukex/outbound/pkg/scheduler"
	"github.com/dukex/outbound/pkg/services"
	"go.opentelemetry.io/otel/trace"
)

// Dependencies are the process level collaborators the scheduler is built from.
type Dependencies struct {
	Persistence persistence.Persistence
	Publisher   eventbus.EventPublisher
	Sender      dispatch.Sender
	Elector     leader.Elector
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// NewScheduler wires the run and job processors behind one tick loop.
func NewScheduler(cfg config.Config, deps Dependencies) (*scheduler.Scheduler, error) {
	window, err := cfg.BusinessHours.Window()
	if err != nil {
		return nil, fmt.Errorf("invalid business hours: %w", err)
	}

	lifecycle := services.NewRun(deps.Persistence, deps.Logger,
		services.WithPublisher(deps.Publisher),
		services.WithMetrics(deps.Metrics),
		services.WithRunRetry(cfg.RunRetry),
	)

	dispatcher := dispatch.NewDispatcher(deps.Sender, cfg.DispatchTimeout, cfg.DispatchRetry, deps.Logger)

	runs := scheduler.NewRunProcessor(
		deps.Persistence,
		lifecycle,
		dispatcher,
		window,
		cfg.LeaseDuration,
		deps.Metrics,
		deps.Tracer,
		deps.Logger,
	)

	jobs := scheduler.NewJobProcessor(
		deps.Persistence.JobRepository(),
		deps.Publisher,
		cfg.LeaseDuration,
		deps.Metrics,
		deps.Tracer,
		deps.Logger,
	)
	jobs.Register(models.JobKindDigest, scheduler.NewDigestHandler(deps.Persistence.RunRepository()))
	jobs.Register(models.JobKindAlert, scheduler.NewAlertHandler(deps.Persistence.RunRepository()))

	opts := []scheduler.Option{scheduler.WithMetrics(deps.Metrics)}

	if deps.Elector != nil {
		opts = append(opts, scheduler.WithElector(deps.Elector))
	}

	if deps.Tracer != nil {
		opts = append(opts, scheduler.WithTracer(deps.Tracer))
	}

	return scheduler.New(scheduler.Config{
		TickInterval: cfg.TickInterval,
		BatchSize:    cfg.BatchSize,
		Workers:      cfg.Workers,
	}, runs, jobs, deps.Logger, opts...), nil
}
