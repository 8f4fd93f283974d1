package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/outbound/pkg/dispatch"
	"github.com/dukex/outbound/pkg/metrics"
	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/otelhelper"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/dukex/outbound/pkg/schedule"
	"github.com/dukex/outbound/pkg/services"
	"github.com/dukex/outbound/pkg/variant"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Result is what happened to one due item in a tick.
type Result string

const (
	ResultFired   Result = "fired"   // dispatched and advanced
	ResultRetried Result = "retried" // dispatch failed, rescheduled with backoff
	ResultFailed  Result = "failed"  // run or job ended in failure
	ResultSkipped Result = "skipped" // claimed but not due at fire time, lease released
	ResultLost    Result = "lost"    // another worker won the claim
	ResultError   Result = "error"   // store or lifecycle error, lease left to expire
)

// ErrStepNotFound is reported when a run points at a step its playbook does not have.
var ErrStepNotFound = errors.New("step not found in playbook")

// Dispatcher sends one step. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg dispatch.Message) (dispatch.Result, error)
}

// Lifecycle records step outcomes. *services.Run implements it.
type Lifecycle interface {
	AdvanceAfterEvent(ctx context.Context, req services.AdvanceRequest) (*models.Run, error)
}

// RunProcessor drives one run through claim, fire-time check, dispatch and advance.
type RunProcessor struct {
	runs       persistence.RunRepository
	playbooks  persistence.PlaybookRepository
	lifecycle  Lifecycle
	dispatcher Dispatcher
	window     schedule.BusinessHours
	lease      time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewRunProcessor creates a processor. window gates steps that require business hours.
func NewRunProcessor(
	p persistence.Persistence,
	lifecycle Lifecycle,
	dispatcher Dispatcher,
	window schedule.BusinessHours,
	lease time.Duration,
	m *metrics.Metrics,
	tracer trace.Tracer,
	logger *slog.Logger,
	opts ...ProcessorOption,
) *RunProcessor {
	if tracer == nil {
		tracer = otelhelper.NewNoopTracer()
	}

	return &RunProcessor{
		runs:       p.RunRepository(),
		playbooks:  p.PlaybookRepository(),
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		window:     window,
		lease:      lease,
		now:        newProcessorConfig(opts).now,
		metrics:    m,
		tracer:     tracer,
		logger:     logger.With("module", "run_processor"),
	}
}

// Due lists the runs a tick should try to claim.
func (p *RunProcessor) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	due, err := p.runs.DueRuns(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due runs: %w", err)
	}

	ids := make([]string, 0, len(due))
	for _, run := range due {
		ids = append(ids, run.ID)
	}

	return ids, nil
}

// Process claims run id and, if it is still due when it fires, sends its
// current step. The lease and the due check use the processor clock read at
// that moment, not the time the tick listed the run.
func (p *RunProcessor) Process(ctx context.Context, id string) (Result, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "scheduler.process_run",
		attribute.String(otelhelper.RunIDKey, id),
	)
	defer span.End()

	token := uuid.NewString()
	claimedAt := p.now()

	run, err := p.runs.ClaimRun(ctx, id, token, claimedAt, claimedAt.Add(p.lease))
	if err != nil {
		if persistence.IsClaimLost(err) || persistence.IsRunNotFound(err) {
			span.SetAttributes(attribute.Bool(otelhelper.ClaimedKey, false))

			return ResultLost, nil
		}

		otelhelper.SetError(span, err)

		return ResultError, fmt.Errorf("failed to claim run %s: %w", id, err)
	}

	span.SetAttributes(
		attribute.Bool(otelhelper.ClaimedKey, true),
		attribute.String(otelhelper.LeadIDKey, run.LeadID),
		attribute.String(otelhelper.PlaybookIDKey, run.PlaybookID),
		attribute.Int(otelhelper.StepIndexKey, run.StepIndex),
	)

	logger := p.logger.With("run_id", run.ID, "step_index", run.StepIndex, "attempt", run.Attempt)

	playbook, err := p.playbookFor(ctx, run)
	if err != nil {
		p.release(ctx, run.ID, token, logger)
		otelhelper.SetError(span, err)

		return ResultError, err
	}

	step, ok := playbook.StepAt(run.StepIndex)
	if !ok {
		missing := fmt.Errorf("%w: %d", ErrStepNotFound, run.StepIndex)

		return p.advance(ctx, run, token, models.Step{Index: run.StepIndex}, "", dispatch.Result{}, dispatch.Permanent(missing))
	}

	if !p.window.IsDue(lastEventAt(run), step.DelayDays, step.RequiresBusinessHours, p.now()) {
		logger.DebugContext(ctx, "Run not due at fire time, releasing claim",
			"requires_business_hours", step.RequiresBusinessHours,
		)
		p.release(ctx, run.ID, token, logger)
		span.SetAttributes(attribute.Bool(otelhelper.TickSkippedKey, true))

		return ResultSkipped, nil
	}

	chosen, err := chooseVariant(run, step)
	if err != nil {
		return p.advance(ctx, run, token, step, "", dispatch.Result{}, dispatch.Permanent(err))
	}

	span.SetAttributes(
		attribute.String(otelhelper.VariantIDKey, chosen.ID),
		attribute.String(otelhelper.ChannelKey, string(step.Channel)),
		attribute.String(otelhelper.DedupKeyKey, run.DedupKey()),
	)

	result, dispatchErr := p.dispatcher.Dispatch(ctx, dispatch.Message{
		RunID:      run.ID,
		TenantID:   run.TenantID,
		LeadID:     run.LeadID,
		StepIndex:  step.Index,
		Channel:    step.Channel,
		VariantID:  chosen.ID,
		TemplateID: chosen.TemplateID,
		Variables:  run.Variables,
		DedupKey:   run.DedupKey(),
	})

	outcome := models.OutcomeSent
	if dispatchErr != nil {
		outcome = dispatch.OutcomeFor(dispatchErr)
		otelhelper.SetError(span, dispatchErr)
	}

	span.SetAttributes(attribute.String(otelhelper.OutcomeKey, string(outcome)))
	p.metrics.RecordDispatch(step.Channel, outcome, result.Latency)

	return p.advance(ctx, run, token, step, chosen.ID, result, dispatchErr)
}

func (p *RunProcessor) advance(
	ctx context.Context,
	run *models.Run,
	token string,
	step models.Step,
	variantID string,
	result dispatch.Result,
	dispatchErr error,
) (Result, error) {
	logger := p.logger.With("run_id", run.ID, "step_index", run.StepIndex, "attempt", run.Attempt)

	req := services.AdvanceRequest{
		RunID:      run.ID,
		ClaimToken: token,
		StepIndex:  run.StepIndex,
		Attempt:    run.Attempt,
		VariantID:  variantID,
		Channel:    step.Channel,
		Provider:   result.Receipt.Provider,
		Outcome:    models.OutcomeSent,
		LatencyMs:  result.Latency.Milliseconds(),
	}

	if dispatchErr != nil {
		req.Outcome = dispatch.OutcomeFor(dispatchErr)
		req.Error = dispatchErr.Error()
		logger.WarnContext(ctx, "Step dispatch failed", "outcome", req.Outcome, "error", dispatchErr)
	}

	advanced, err := p.lifecycle.AdvanceAfterEvent(ctx, req)
	if err != nil {
		p.release(ctx, run.ID, token, logger)

		return ResultError, fmt.Errorf("failed to advance run %s: %w", run.ID, err)
	}

	if advanced.ClaimToken == token {
		p.release(ctx, run.ID, token, logger)
	}

	switch {
	case advanced.Status == models.RunStatusFailed:
		return ResultFailed, nil
	case req.Outcome == models.OutcomeRetryableFailure:
		return ResultRetried, nil
	default:
		logger.InfoContext(ctx, "Step fired",
			"variant_id", variantID,
			"channel", step.Channel,
			"provider", result.Receipt.Provider,
			"latency_ms", req.LatencyMs,
			"status", advanced.Status,
		)

		return ResultFired, nil
	}
}

func (p *RunProcessor) playbookFor(ctx context.Context, run *models.Run) (*models.Playbook, error) {
	if run.PlaybookSnapshot != nil {
		return run.PlaybookSnapshot, nil
	}

	playbook, err := p.playbooks.PlaybookByID(ctx, run.PlaybookID)
	if err != nil {
		return nil, fmt.Errorf("failed to get playbook %s of run %s: %w", run.PlaybookID, run.ID, err)
	}

	return playbook, nil
}

func (p *RunProcessor) release(ctx context.Context, id, token string, logger *slog.Logger) {
	if err := p.runs.ReleaseRun(ctx, id, token); err != nil && !persistence.IsClaimLost(err) {
		logger.ErrorContext(ctx, "Failed to release run claim", "error", err)
	}
}

// chooseVariant keeps the variant already recorded for the step, so a retry
// sends the same content even if weights changed.
func chooseVariant(run *models.Run, step models.Step) (models.Variant, error) {
	if recorded, ok := run.VariantMap[step.Index]; ok {
		for _, v := range step.Variants {
			if v.ID == recorded {
				return v, nil
			}
		}
	}

	return variant.Select(step.Variants, variant.Key(run.ID, step.Index))
}

func lastEventAt(run *models.Run) time.Time {
	if run.LastEventAt != nil {
		return *run.LastEventAt
	}

	return run.CreatedAt
}
