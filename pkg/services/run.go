package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/outbound/pkg/dispatch"
	"github.com/dukex/outbound/pkg/eventbus"
	"github.com/dukex/outbound/pkg/events"
	"github.com/dukex/outbound/pkg/metrics"
	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/dukex/outbound/pkg/schedule"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// maxUpdateAttempts bounds the reload-and-retry loop around optimistic run updates.
const maxUpdateAttempts = 5

// Run is the lifecycle manager and the only writer of run state besides the
// scheduler's claim and release calls.
type Run struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	metrics     *metrics.Metrics
	retry       dispatch.RetryPolicy
	now         func() time.Time
	logger      *slog.Logger
}

// RunOption configures a Run service.
type RunOption func(*Run)

// WithPublisher publishes lifecycle events on the given bus.
func WithPublisher(publisher eventbus.EventPublisher) RunOption {
	return func(r *Run) {
		if publisher != nil {
			r.publisher = publisher
		}
	}
}

// WithMetrics records enrollment counters.
func WithMetrics(m *metrics.Metrics) RunOption {
	return func(r *Run) {
		r.metrics = m
	}
}

// WithRunRetry sets how often and how late a step is re-attempted after a retryable failure.
func WithRunRetry(policy dispatch.RetryPolicy) RunOption {
	return func(r *Run) {
		r.retry = policy
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RunOption {
	return func(r *Run) {
		r.now = now
	}
}

// NewRun creates a new run lifecycle service.
func NewRun(persistence persistence.Persistence, logger *slog.Logger, opts ...RunOption) *Run {
	r := &Run{
		persistence: persistence,
		publisher:   eventbus.NoopPublisher{},
		retry: dispatch.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 15 * time.Minute,
			MaxInterval:     4 * time.Hour,
			Multiplier:      2,
		},
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("module", "run_service"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// EnrollRequest asks to start a playbook for a lead.
type EnrollRequest struct {
	LeadID     string         `json:"lead_id"`
	PlaybookID string         `json:"playbook_id"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// Enroll creates an active run positioned on step 0 and due immediately.
func (r *Run) Enroll(ctx context.Context, req EnrollRequest) (*models.Run, error) {
	req.LeadID = strings.TrimSpace(req.LeadID)
	req.PlaybookID = strings.TrimSpace(req.PlaybookID)

	if req.LeadID == "" {
		r.metrics.RecordEnrollment("rejected")

		return nil, NewValidationError("enroll", "LEAD_ID_REQUIRED", "lead_id is required", ErrLeadIDRequired)
	}

	if req.PlaybookID == "" {
		r.metrics.RecordEnrollment("rejected")

		return nil, NewValidationError("enroll", "PLAYBOOK_ID_REQUIRED", "playbook_id is required", ErrPlaybookIDRequired)
	}

	playbook, err := r.persistence.PlaybookRepository().PlaybookByID(ctx, req.PlaybookID)
	if err != nil {
		r.metrics.RecordEnrollment("rejected")

		return nil, fmt.Errorf("failed to get playbook %s: %w", req.PlaybookID, err)
	}

	if !playbook.IsActive() {
		r.metrics.RecordEnrollment("rejected")

		return nil, &ServiceError{
			Op:      "enroll",
			Code:    "INACTIVE_PLAYBOOK",
			Message: fmt.Sprintf("playbook %s is %s", playbook.ID, playbook.Status),
			Err:     ErrInactivePlaybook,
		}
	}

	if err := validateVariables(playbook.VariablesSchema, req.Variables); err != nil {
		r.metrics.RecordEnrollment("rejected")

		return nil, err
	}

	run := models.NewRun(newID(), req.LeadID, playbook, req.Variables, r.now())

	if err := r.persistence.RunRepository().CreateRun(ctx, run); err != nil {
		if existing, ok := persistence.ExistingRunID(err); ok {
			r.metrics.RecordEnrollment("conflict")

			return nil, &AlreadyEnrolledError{RunID: existing}
		}

		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	r.metrics.RecordEnrollment("created")
	r.logger.InfoContext(ctx, "Lead enrolled",
		"run_id", run.ID,
		"lead_id", run.LeadID,
		"playbook_id", run.PlaybookID,
		"playbook_version", run.PlaybookVersion,
	)

	r.publish(ctx, run.ID, events.RunEnrolled{
		BaseEvent:  events.NewBaseEvent(newID(), events.RunEnrolledEvent, run.TenantID),
		RunID:      run.ID,
		LeadID:     run.LeadID,
		PlaybookID: run.PlaybookID,
	})

	return run, nil
}

// AdvanceRequest reports the outcome of one attempt of one step.
type AdvanceRequest struct {
	RunID      string
	ClaimToken string
	StepIndex  int
	Attempt    int
	VariantID  string
	Channel    models.Channel
	Provider   string
	Outcome    models.Outcome
	LatencyMs  int64
	Error      string
}

// AdvanceAfterEvent appends the attempt to the event log and moves the run.
//
// The event is keyed by run_id:step_index:attempt, so a report delivered twice
// is recorded once and applied once. A report for a step or attempt the run
// has already moved past changes nothing. Paused runs are never resumed here.
func (r *Run) AdvanceAfterEvent(ctx context.Context, req AdvanceRequest) (*models.Run, error) {
	repo := r.persistence.RunRepository()

	run, err := repo.RunByID(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", req.RunID, err)
	}

	if run.StepIndex != req.StepIndex || run.Attempt != req.Attempt {
		r.logger.DebugContext(ctx, "Ignoring outcome for a step the run already left",
			"run_id", run.ID,
			"step_index", req.StepIndex,
			"attempt", req.Attempt,
			"current_step_index", run.StepIndex,
			"current_attempt", run.Attempt,
		)

		return run, nil
	}

	now := r.now()
	event := &models.RunEvent{
		ID:        newID(),
		RunID:     run.ID,
		StepIndex: req.StepIndex,
		VariantID: req.VariantID,
		Action:    models.ActionDispatch,
		Channel:   req.Channel,
		Provider:  req.Provider,
		Outcome:   req.Outcome,
		LatencyMs: req.LatencyMs,
		Attempt:   req.Attempt,
		DedupKey:  models.DispatchDedupKey(run.ID, req.StepIndex, req.Attempt),
		Error:     req.Error,
		CreatedAt: now,
	}

	if err := repo.AppendEvent(ctx, event); err != nil {
		if !persistence.IsDuplicateEvent(err) {
			return nil, fmt.Errorf("failed to append event for run %s: %w", run.ID, err)
		}

		recorded, err := r.recordedEvent(ctx, run.ID, event.DedupKey)
		if err != nil {
			return nil, err
		}

		r.logger.InfoContext(ctx, "Outcome already recorded, applying recorded outcome",
			"run_id", run.ID,
			"dedup_key", event.DedupKey,
			"outcome", recorded.Outcome,
		)

		event = recorded
	}

	var transition string

	advanced, err := r.mutate(ctx, run.ID, func(current *models.Run) (bool, error) {
		transition = ""

		if current.StepIndex != event.StepIndex || current.Attempt != event.Attempt {
			return false, nil
		}

		if req.ClaimToken != "" && current.ClaimToken == req.ClaimToken {
			current.ReleaseClaim()
		}

		if event.VariantID != "" {
			current.RecordVariant(event.StepIndex, event.VariantID)
		}

		if current.Status.IsTerminal() {
			return true, nil
		}

		playbook, err := r.playbookFor(ctx, current)
		if err != nil {
			return false, err
		}

		transition = r.apply(current, playbook, event.Outcome, now)

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	r.publishTransition(ctx, advanced, event, transition)

	return advanced, nil
}

// apply moves run according to outcome and reports which transition it took.
func (r *Run) apply(run *models.Run, playbook *models.Playbook, outcome models.Outcome, now time.Time) string {
	// LastEventAt anchors the next step's delay, so retries leave it alone.
	eventAt := now

	switch outcome {
	case models.OutcomeSent, models.OutcomeSkipped:
		run.LastEventAt = &eventAt

		next, ok := playbook.StepAt(run.StepIndex + 1)
		if !ok {
			run.Status = models.RunStatusCompleted
			run.NextDueAt = nil

			return "completed"
		}

		due := schedule.NextDueAt(now, next.DelayDays)
		run.StepIndex = next.Index
		run.Attempt = 0
		run.NextDueAt = &due

		return "advanced"
	case models.OutcomeRetryableFailure:
		if run.Attempt+1 >= r.retry.MaxAttempts {
			run.Status = models.RunStatusFailed
			run.NextDueAt = nil

			return "failed"
		}

		due := now.Add(r.retry.Delay(run.Attempt))
		run.NextDueAt = &due
		run.Attempt++

		return "retry"
	default:
		run.LastEventAt = &eventAt
		run.Status = models.RunStatusFailed
		run.NextDueAt = nil

		return "failed"
	}
}

func (r *Run) publishTransition(ctx context.Context, run *models.Run, event *models.RunEvent, transition string) {
	if transition == "" {
		return
	}

	r.publish(ctx, run.ID, events.RunStepDispatched{
		BaseEvent:  events.NewBaseEvent(newID(), events.RunStepDispatchedEvent, run.TenantID),
		RunID:      run.ID,
		LeadID:     run.LeadID,
		PlaybookID: run.PlaybookID,
		StepIndex:  event.StepIndex,
		VariantID:  event.VariantID,
		Channel:    event.Channel,
		Outcome:    event.Outcome,
		LatencyMs:  event.LatencyMs,
	})

	switch transition {
	case "completed":
		r.logger.InfoContext(ctx, "Run completed", "run_id", run.ID, "lead_id", run.LeadID)
		r.publish(ctx, run.ID, events.RunCompleted{
			BaseEvent:  events.NewBaseEvent(newID(), events.RunCompletedEvent, run.TenantID),
			RunID:      run.ID,
			LeadID:     run.LeadID,
			PlaybookID: run.PlaybookID,
		})
	case "failed":
		r.logger.WarnContext(ctx, "Run failed",
			"run_id", run.ID,
			"step_index", event.StepIndex,
			"outcome", event.Outcome,
			"error", event.Error,
		)
		r.publish(ctx, run.ID, events.RunFailed{
			BaseEvent:  events.NewBaseEvent(newID(), events.RunFailedEvent, run.TenantID),
			RunID:      run.ID,
			LeadID:     run.LeadID,
			PlaybookID: run.PlaybookID,
			StepIndex:  event.StepIndex,
			Error:      event.Error,
		})
	}
}

// Pause holds an active run. A worker that already claimed it may still
// dispatch, but its outcome will not resume the run.
func (r *Run) Pause(ctx context.Context, id string) (*models.Run, error) {
	run, err := r.mutate(ctx, id, func(current *models.Run) (bool, error) {
		if !current.Status.CanTransitionTo(models.RunStatusPaused) {
			return false, transitionError("pause", current, models.RunStatusPaused)
		}

		current.Status = models.RunStatusPaused

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	r.appendLifecycleEvent(ctx, run, models.ActionPause, "")
	r.logger.InfoContext(ctx, "Run paused", "run_id", run.ID)
	r.publish(ctx, run.ID, events.RunPaused{
		BaseEvent: events.NewBaseEvent(newID(), events.RunPausedEvent, run.TenantID),
		RunID:     run.ID,
	})

	return run, nil
}

// Resume reactivates a paused run. If its watermark already elapsed it is
// reset to now, so a long pause produces one due step rather than a backlog.
func (r *Run) Resume(ctx context.Context, id string) (*models.Run, error) {
	run, err := r.mutate(ctx, id, func(current *models.Run) (bool, error) {
		if !current.Status.CanTransitionTo(models.RunStatusActive) {
			return false, transitionError("resume", current, models.RunStatusActive)
		}

		now := r.now()
		if current.NextDueAt == nil || current.NextDueAt.Before(now) {
			current.NextDueAt = &now
		}

		current.Status = models.RunStatusActive

		return true, nil
	})
	if err != nil {
		if existing, ok := persistence.ExistingRunID(err); ok {
			return nil, &AlreadyEnrolledError{RunID: existing}
		}

		return nil, err
	}

	r.appendLifecycleEvent(ctx, run, models.ActionResume, "")
	r.logger.InfoContext(ctx, "Run resumed", "run_id", run.ID, "next_due_at", run.NextDueAt)
	r.publish(ctx, run.ID, events.RunResumed{
		BaseEvent: events.NewBaseEvent(newID(), events.RunResumedEvent, run.TenantID),
		RunID:     run.ID,
		NextDueAt: *run.NextDueAt,
	})

	return run, nil
}

// StopRequest ends a run early, typically because the lead replied.
type StopRequest struct {
	Reason string `json:"reason"`

	// Force stops the run even when its current step does not stop on reply.
	Force bool `json:"force"`
}

// Stop completes an active or paused run with a stop reason.
func (r *Run) Stop(ctx context.Context, id string, req StopRequest) (*models.Run, error) {
	if req.Reason == "" {
		req.Reason = "stopped"
	}

	run, err := r.mutate(ctx, id, func(current *models.Run) (bool, error) {
		if !current.Status.CanTransitionTo(models.RunStatusCompleted) {
			return false, transitionError("stop", current, models.RunStatusCompleted)
		}

		if !req.Force {
			playbook, err := r.playbookFor(ctx, current)
			if err != nil {
				return false, err
			}

			step, ok := playbook.StepAt(current.StepIndex)
			if !ok || !step.StopOnReply {
				return false, &ServiceError{
					Op:      "stop",
					Code:    "STOP_NOT_ALLOWED",
					Message: fmt.Sprintf("step %d of run %s does not stop on reply", current.StepIndex, current.ID),
					Err:     ErrStopNotAllowed,
				}
			}
		}

		current.Status = models.RunStatusCompleted
		current.StopReason = req.Reason
		current.NextDueAt = nil

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	r.appendLifecycleEvent(ctx, run, models.ActionStop, req.Reason)
	r.logger.InfoContext(ctx, "Run stopped", "run_id", run.ID, "reason", req.Reason)
	r.publish(ctx, run.ID, events.RunCompleted{
		BaseEvent:  events.NewBaseEvent(newID(), events.RunCompletedEvent, run.TenantID),
		RunID:      run.ID,
		LeadID:     run.LeadID,
		PlaybookID: run.PlaybookID,
		Reason:     req.Reason,
	})

	return run, nil
}

// Get returns a run by id.
func (r *Run) Get(ctx context.Context, id string) (*models.Run, error) {
	run, err := r.persistence.RunRepository().RunByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	return run, nil
}

// Events returns the append-only history of a run.
func (r *Run) Events(ctx context.Context, id string) ([]*models.RunEvent, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}

	runEvents, err := r.persistence.RunRepository().EventsForRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get events of run %s: %w", id, err)
	}

	return runEvents, nil
}

// ListRunsRequest contains options for listing runs.
type ListRunsRequest struct {
	LeadID     string
	PlaybookID string
	Status     *models.RunStatus
	Limit      int
	Offset     int
}

// List returns runs matching the filter, 20 per page by default.
func (r *Run) List(ctx context.Context, req ListRunsRequest) ([]*models.Run, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	if req.Status != nil {
		switch *req.Status {
		case models.RunStatusActive, models.RunStatusPaused, models.RunStatusCompleted, models.RunStatusFailed:
		default:
			return nil, NewValidationError("list_runs", "INVALID_STATUS", "unknown run status "+string(*req.Status), ErrInvalidStatus)
		}
	}

	runs, err := r.persistence.RunRepository().Runs(ctx, persistence.ListRunsOptions{
		LeadID:     req.LeadID,
		PlaybookID: req.PlaybookID,
		Status:     req.Status,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, nil
}

// mutate applies fn to a freshly loaded run and persists it with an optimistic
// compare, reloading and reapplying when a concurrent writer got there first.
// fn returning false leaves the run untouched.
func (r *Run) mutate(ctx context.Context, id string, fn func(*models.Run) (bool, error)) (*models.Run, error) {
	repo := r.persistence.RunRepository()

	for range maxUpdateAttempts {
		run, err := repo.RunByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get run %s: %w", id, err)
		}

		changed, err := fn(run)
		if err != nil {
			return nil, err
		}

		if !changed {
			return run, nil
		}

		err = repo.UpdateRun(ctx, run, run.UpdatedAt)
		if err == nil {
			return run, nil
		}

		if !persistence.IsStaleRun(err) {
			return nil, fmt.Errorf("failed to update run %s: %w", id, err)
		}

		r.logger.DebugContext(ctx, "Run changed concurrently, retrying update", "run_id", id)
	}

	return nil, fmt.Errorf("failed to update run %s: %w", id, persistence.ErrStaleRun)
}

func (r *Run) playbookFor(ctx context.Context, run *models.Run) (*models.Playbook, error) {
	if run.PlaybookSnapshot != nil {
		return run.PlaybookSnapshot, nil
	}

	playbook, err := r.persistence.PlaybookRepository().PlaybookByID(ctx, run.PlaybookID)
	if err != nil {
		return nil, fmt.Errorf("failed to get playbook %s of run %s: %w", run.PlaybookID, run.ID, err)
	}

	return playbook, nil
}

func (r *Run) recordedEvent(ctx context.Context, runID, dedupKey string) (*models.RunEvent, error) {
	recorded, err := r.persistence.RunRepository().EventsForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events of run %s: %w", runID, err)
	}

	for _, event := range recorded {
		if event.DedupKey == dedupKey {
			return event, nil
		}
	}

	return nil, fmt.Errorf("event %s reported duplicate but not found: %w", dedupKey, persistence.ErrDuplicateEvent)
}

// appendLifecycleEvent records operator actions. They carry no dedup key and
// a failure to record them does not undo the transition.
func (r *Run) appendLifecycleEvent(ctx context.Context, run *models.Run, action models.Action, detail string) {
	event := &models.RunEvent{
		ID:        newID(),
		RunID:     run.ID,
		StepIndex: run.StepIndex,
		Action:    action,
		Attempt:   run.Attempt,
		Error:     detail,
		CreatedAt: r.now(),
	}

	if err := r.persistence.RunRepository().AppendEvent(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "Failed to record lifecycle event",
			"run_id", run.ID,
			"action", action,
			"error", err,
		)
	}
}

func (r *Run) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := r.publisher.Publish(ctx, key, event); err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish event",
			"run_id", key,
			"event_type", event.GetType(),
			"error", err,
		)
	}
}

func transitionError(op string, run *models.Run, to models.RunStatus) error {
	return &ServiceError{
		Op:      op,
		Code:    "INVALID_TRANSITION",
		Message: fmt.Sprintf("run %s cannot move from %s to %s", run.ID, run.Status, to),
		Err:     ErrInvalidTransition,
	}
}

// validateVariables checks variables against the playbook's JSON schema, if any.
func validateVariables(schema map[string]any, variables map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	if variables == nil {
		variables = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(variables))
	if err != nil {
		return NewValidationError("enroll", "INVALID_SCHEMA", "playbook variables schema is invalid: "+err.Error(), ErrInvalidVariables)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			messages = append(messages, resultErr.String())
		}

		return NewValidationError("enroll", "INVALID_VARIABLES", strings.Join(messages, "; "), ErrInvalidVariables)
	}

	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
