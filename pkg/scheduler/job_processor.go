package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/outbound/pkg/eventbus"
	"github.com/dukex/outbound/pkg/events"
	"github.com/dukex/outbound/pkg/metrics"
	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/otelhelper"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoJobHandler is recorded on occurrences of jobs whose kind has no handler.
var ErrNoJobHandler = errors.New("no handler registered for job kind")

// JobHandler performs the work of one job firing and returns details to keep
// on the occurrence.
type JobHandler interface {
	Handle(ctx context.Context, job *models.Job, firedAt time.Time) (map[string]any, error)
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, job *models.Job, firedAt time.Time) (map[string]any, error)

func (f JobHandlerFunc) Handle(ctx context.Context, job *models.Job, firedAt time.Time) (map[string]any, error) {
	return f(ctx, job, firedAt)
}

// JobProcessor runs digest and alert jobs with the same claim, execute and
// reschedule shape as runs. The next watermark is counted from the firing
// time, so a late tick never compounds.
type JobProcessor struct {
	jobs      persistence.JobRepository
	publisher eventbus.EventPublisher
	lease     time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[models.JobKind]JobHandler
}

// NewJobProcessor creates a processor with no handlers registered.
func NewJobProcessor(
	repo persistence.JobRepository,
	publisher eventbus.EventPublisher,
	lease time.Duration,
	m *metrics.Metrics,
	tracer trace.Tracer,
	logger *slog.Logger,
	opts ...ProcessorOption,
) *JobProcessor {
	if publisher == nil {
		publisher = eventbus.NoopPublisher{}
	}

	if tracer == nil {
		tracer = otelhelper.NewNoopTracer()
	}

	return &JobProcessor{
		jobs:      repo,
		publisher: publisher,
		lease:     lease,
		now:       newProcessorConfig(opts).now,
		metrics:   m,
		tracer:    tracer,
		logger:    logger.With("module", "job_processor"),
		handlers:  make(map[models.JobKind]JobHandler),
	}
}

// Register sets the handler for a job kind, replacing any previous one.
func (p *JobProcessor) Register(kind models.JobKind, handler JobHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handlers[kind] = handler
}

func (p *JobProcessor) handler(kind models.JobKind) (JobHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	handler, ok := p.handlers[kind]

	return handler, ok
}

// Due lists the jobs a tick should try to claim.
func (p *JobProcessor) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	due, err := p.jobs.DueJobs(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}

	ids := make([]string, 0, len(due))
	for _, job := range due {
		ids = append(ids, job.ID)
	}

	return ids, nil
}

// Process claims job id, runs its handler, records an occurrence and moves
// next_run_at to the claim time plus one cadence.
func (p *JobProcessor) Process(ctx context.Context, id string) (Result, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "scheduler.process_job",
		attribute.String(otelhelper.JobIDKey, id),
	)
	defer span.End()

	token := uuid.NewString()
	firedAt := p.now()

	job, err := p.jobs.ClaimJob(ctx, id, token, firedAt, firedAt.Add(p.lease))
	if err != nil {
		if persistence.IsClaimLost(err) || persistence.IsJobNotFound(err) {
			span.SetAttributes(attribute.Bool(otelhelper.ClaimedKey, false))

			return ResultLost, nil
		}

		otelhelper.SetError(span, err)

		return ResultError, fmt.Errorf("failed to claim job %s: %w", id, err)
	}

	span.SetAttributes(
		attribute.Bool(otelhelper.ClaimedKey, true),
		attribute.String(otelhelper.JobKindKey, string(job.Kind)),
	)

	logger := p.logger.With("job_id", job.ID, "kind", job.Kind)

	next, err := job.Cadence.Next(firedAt)
	if err != nil {
		if releaseErr := p.jobs.ReleaseJob(ctx, job.ID, token); releaseErr != nil {
			logger.ErrorContext(ctx, "Failed to release job claim", "error", releaseErr)
		}

		otelhelper.SetError(span, err)

		return ResultError, fmt.Errorf("failed to compute next run of job %s: %w", job.ID, err)
	}

	occurrence := &models.AlertOccurrence{
		ID:      uuid.NewString(),
		JobID:   job.ID,
		FiredAt: firedAt,
		Outcome: models.OutcomeSent,
	}

	handler, ok := p.handler(job.Kind)
	if !ok {
		occurrence.Outcome = models.OutcomeSkipped
		occurrence.Error = fmt.Sprintf("%v: %s", ErrNoJobHandler, job.Kind)
	} else {
		detail, handleErr := handler.Handle(ctx, job, firedAt)
		occurrence.Detail = detail

		if handleErr != nil {
			occurrence.Outcome = models.OutcomeTerminalFailure
			occurrence.Error = handleErr.Error()
			otelhelper.SetError(span, handleErr)
			logger.WarnContext(ctx, "Job handler failed", "error", handleErr)
		}
	}

	if err := p.jobs.AppendOccurrence(ctx, occurrence); err != nil {
		logger.ErrorContext(ctx, "Failed to record job occurrence", "error", err)
	}

	if err := p.jobs.CompleteJob(ctx, job.ID, token, firedAt, next); err != nil {
		otelhelper.SetError(span, err)

		return ResultError, fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
	}

	p.metrics.RecordJob(job.Kind, occurrence.Outcome)
	span.SetAttributes(attribute.String(otelhelper.OutcomeKey, string(occurrence.Outcome)))

	if err := p.publisher.Publish(ctx, job.ID, events.JobFired{
		BaseEvent: events.NewBaseEvent(uuid.NewString(), events.JobFiredEvent, job.TenantID),
		JobID:     job.ID,
		Kind:      job.Kind,
		Outcome:   occurrence.Outcome,
		FiredAt:   firedAt,
		NextRunAt: next,
	}); err != nil {
		logger.ErrorContext(ctx, "Failed to publish job event", "error", err)
	}

	logger.InfoContext(ctx, "Job fired", "outcome", occurrence.Outcome, "next_run_at", next)

	switch occurrence.Outcome {
	case models.OutcomeTerminalFailure:
		return ResultFailed, nil
	case models.OutcomeSkipped:
		return ResultSkipped, nil
	default:
		return ResultFired, nil
	}
}
