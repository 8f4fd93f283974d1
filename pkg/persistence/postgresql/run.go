package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/google/uuid"
)

const runColumns = `
	id
  , tenant_id
  , lead_id
  , playbook_id
  , playbook_version
  , step_index
  , status
  , next_due_at
  , last_event_at
  , variant_map
  , variables
  , attempt
  , stop_reason
  , claim_token
  , claim_expires_at
  , playbook_snapshot
  , created_at
  , updated_at
`

// RunRepository handles run and run event database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// CreateRun inserts a run. The partial unique index on active runs turns a
// concurrent second enrollment into an *persistence.ActiveRunConflict.
func (r *RunRepository) CreateRun(ctx context.Context, run *models.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	run.UpdatedAt = persistence.NextVersion(time.Time{})

	variantMap, variables, snapshot, err := marshalRunJSON(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		nullString(run.TenantID),
		run.LeadID,
		run.PlaybookID,
		run.PlaybookVersion,
		run.StepIndex,
		run.Status,
		run.NextDueAt,
		run.LastEventAt,
		variantMap,
		variables,
		run.Attempt,
		nullString(run.StopReason),
		nullString(run.ClaimToken),
		run.ClaimExpiresAt,
		snapshot,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return r.conflictOr(ctx, run, fmt.Errorf("failed to insert run: %w", err))
	}

	return nil
}

// RunByID returns a run by its ID.
func (r *RunRepository) RunByID(ctx context.Context, id string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1", id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// ActiveRunFor returns the active run of a lead in a playbook.
func (r *RunRepository) ActiveRunFor(ctx context.Context, leadID, playbookID string) (*models.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE lead_id = $1 AND playbook_id = $2 AND status = 'active'"

	run, err := scanRun(r.db.QueryRowContext(ctx, query, leadID, playbookID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// Runs lists runs matching opts ordered by creation time.
func (r *RunRepository) Runs(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.Run, error) {
	var (
		conditions []string
		args       []any
	)

	if opts.LeadID != "" {
		args = append(args, opts.LeadID)
		conditions = append(conditions, "lead_id = $"+strconv.Itoa(len(args)))
	}

	if opts.PlaybookID != "" {
		args = append(args, opts.PlaybookID)
		conditions = append(conditions, "playbook_id = $"+strconv.Itoa(len(args)))
	}

	if opts.Status != nil {
		args = append(args, *opts.Status)
		conditions = append(conditions, "status = $"+strconv.Itoa(len(args)))
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at, id"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	return r.queryRuns(ctx, query, args...)
}

// UpdateRun writes every mutable column when updated_at still equals expectedUpdatedAt.
func (r *RunRepository) UpdateRun(ctx context.Context, run *models.Run, expectedUpdatedAt time.Time) error {
	variantMap, variables, snapshot, err := marshalRunJSON(run)
	if err != nil {
		return err
	}

	next := persistence.NextVersion(expectedUpdatedAt)

	query := `
		UPDATE runs SET
			step_index = $3
		  , status = $4
		  , next_due_at = $5
		  , last_event_at = $6
		  , variant_map = $7
		  , variables = $8
		  , attempt = $9
		  , stop_reason = $10
		  , claim_token = $11
		  , claim_expires_at = $12
		  , playbook_snapshot = $13
		  , playbook_version = $14
		  , updated_at = $15
		WHERE id = $1 AND updated_at = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		run.ID,
		expectedUpdatedAt,
		run.StepIndex,
		run.Status,
		run.NextDueAt,
		run.LastEventAt,
		variantMap,
		variables,
		run.Attempt,
		nullString(run.StopReason),
		nullString(run.ClaimToken),
		run.ClaimExpiresAt,
		snapshot,
		run.PlaybookVersion,
		next,
	)
	if err != nil {
		return r.conflictOr(ctx, run, fmt.Errorf("failed to update run: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewRunError("update", run.ID, r.missingOr(ctx, run.ID, persistence.ErrStaleRun))
	}

	run.UpdatedAt = next

	return nil
}

// DueRuns lists unleased active runs whose watermark elapsed, oldest due first.
func (r *RunRepository) DueRuns(ctx context.Context, now time.Time, limit int) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = 'active'
		  AND next_due_at <= $1
		  AND (claim_expires_at IS NULL OR claim_expires_at <= $1)
		ORDER BY next_due_at, id
		LIMIT $2`

	return r.queryRuns(ctx, query, now, limit)
}

// ClaimRun takes the lease with a single conditional UPDATE so concurrent
// workers on any number of processes observe exactly one winner.
func (r *RunRepository) ClaimRun(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.Run, error) {
	query := `UPDATE runs SET
			claim_token = $2
		  , claim_expires_at = $4
		  , updated_at = updated_at + INTERVAL '1 microsecond'
		WHERE id = $1
		  AND status = 'active'
		  AND next_due_at <= $3
		  AND (claim_expires_at IS NULL OR claim_expires_at <= $3)
		RETURNING ` + runColumns

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id, token, now, leaseUntil))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("claim", id, r.missingOr(ctx, id, persistence.ErrClaimLost))
		}

		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	return run, nil
}

// ReleaseRun clears the lease if token still owns it.
func (r *RunRepository) ReleaseRun(ctx context.Context, id, token string) error {
	query := `UPDATE runs SET
			claim_token = NULL
		  , claim_expires_at = NULL
		  , updated_at = updated_at + INTERVAL '1 microsecond'
		WHERE id = $1 AND claim_token = $2`

	result, err := r.db.ExecContext(ctx, query, id, token)
	if err != nil {
		return fmt.Errorf("failed to release run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewRunError("release", id, r.missingOr(ctx, id, persistence.ErrClaimLost))
	}

	return nil
}

// AppendEvent inserts an event. The unique dedup_key column rejects replays.
func (r *RunRepository) AppendEvent(ctx context.Context, event *models.RunEvent) error {
	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate event ID: %w", err)
		}

		event.ID = id.String()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO run_events (id, run_id, step_index, variant_id, action, channel, provider,
			outcome, latency_ms, attempt, dedup_key, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.StepIndex,
		nullString(event.VariantID),
		event.Action,
		nullString(string(event.Channel)),
		nullString(event.Provider),
		nullString(string(event.Outcome)),
		event.LatencyMs,
		event.Attempt,
		nullString(event.DedupKey),
		nullString(event.Error),
		event.CreatedAt,
	)
	if err != nil {
		if constraint, ok := uniqueConstraint(err); ok && constraint != "run_events_pkey" {
			return persistence.NewRunError("append_event", event.RunID, persistence.ErrDuplicateEvent)
		}

		return fmt.Errorf("failed to insert run event: %w", err)
	}

	return nil
}

// EventsForRun returns the run's events in insertion order.
func (r *RunRepository) EventsForRun(ctx context.Context, runID string) ([]*models.RunEvent, error) {
	query := `
		SELECT
			id
		  , run_id
		  , step_index
		  , variant_id
		  , action
		  , channel
		  , provider
		  , outcome
		  , latency_ms
		  , attempt
		  , dedup_key
		  , error
		  , created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run events: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	events := make([]*models.RunEvent, 0)

	for rows.Next() {
		var (
			event                                 models.RunEvent
			variantID, channel, provider, outcome sql.NullString
			dedupKey, errText                     sql.NullString
		)

		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.StepIndex,
			&variantID,
			&event.Action,
			&channel,
			&provider,
			&outcome,
			&event.LatencyMs,
			&event.Attempt,
			&dedupKey,
			&errText,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}

		event.VariantID = variantID.String
		event.Channel = models.Channel(channel.String)
		event.Provider = provider.String
		event.Outcome = models.Outcome(outcome.String)
		event.DedupKey = dedupKey.String
		event.Error = errText.String

		events = append(events, &event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating run events: %w", err)
	}

	return events, nil
}

func (r *RunRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// conflictOr maps a violation of the active-run index to an ActiveRunConflict.
func (r *RunRepository) conflictOr(ctx context.Context, run *models.Run, err error) error {
	constraint, ok := uniqueConstraint(err)
	if !ok || constraint != activeRunIndex {
		return err
	}

	conflict := &persistence.ActiveRunConflict{LeadID: run.LeadID, PlaybookID: run.PlaybookID}

	existing, lookupErr := r.ActiveRunFor(ctx, run.LeadID, run.PlaybookID)
	if lookupErr == nil {
		conflict.ExistingRunID = existing.ID
	}

	return conflict
}

// missingOr distinguishes a missing row from a failed condition after a zero-row update.
func (r *RunRepository) missingOr(ctx context.Context, id string, conditionErr error) error {
	var exists bool

	err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)", id).Scan(&exists)
	if err == nil && !exists {
		return persistence.ErrRunNotFound
	}

	return conditionErr
}

func marshalRunJSON(run *models.Run) (variantMap, variables, snapshot []byte, err error) {
	if run.VariantMap == nil {
		run.VariantMap = make(map[int]string)
	}

	variantMap, err = json.Marshal(run.VariantMap)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal variant map: %w", err)
	}

	if run.Variables != nil {
		variables, err = json.Marshal(run.Variables)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal variables: %w", err)
		}
	}

	if run.PlaybookSnapshot != nil {
		snapshot, err = json.Marshal(run.PlaybookSnapshot)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal playbook snapshot: %w", err)
		}
	}

	return variantMap, variables, snapshot, nil
}

func scanRun(row scanner) (*models.Run, error) {
	var (
		run                                       models.Run
		tenantID, stopReason, claimToken          sql.NullString
		nextDueAt, lastEventAt, claimExpiresAt    sql.NullTime
		variantMapJSON, variablesJSON, snapshotJS []byte
	)

	err := row.Scan(
		&run.ID,
		&tenantID,
		&run.LeadID,
		&run.PlaybookID,
		&run.PlaybookVersion,
		&run.StepIndex,
		&run.Status,
		&nextDueAt,
		&lastEventAt,
		&variantMapJSON,
		&variablesJSON,
		&run.Attempt,
		&stopReason,
		&claimToken,
		&claimExpiresAt,
		&snapshotJS,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.TenantID = tenantID.String
	run.StopReason = stopReason.String
	run.ClaimToken = claimToken.String
	run.NextDueAt = nullTimePtr(nextDueAt)
	run.LastEventAt = nullTimePtr(lastEventAt)
	run.ClaimExpiresAt = nullTimePtr(claimExpiresAt)
	run.VariantMap = make(map[int]string)

	if variantMapJSON != nil {
		err = json.Unmarshal(variantMapJSON, &run.VariantMap)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal variant map: %w", err)
		}
	}

	if variablesJSON != nil {
		err = json.Unmarshal(variablesJSON, &run.Variables)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}

	if snapshotJS != nil {
		run.PlaybookSnapshot = &models.Playbook{}

		err = json.Unmarshal(snapshotJS, run.PlaybookSnapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal playbook snapshot: %w", err)
		}
	}

	return &run, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time.UTC()

	return &t
}
