package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/google/uuid"
)

const jobColumns = `
	id
  , tenant_id
  , kind
  , name
  , cadence_kind
  , cadence_expression
  , active
  , config
  , next_run_at
  , last_run_at
  , claim_token
  , claim_expires_at
  , created_at
  , updated_at
`

// JobRepository handles digest and alert job database operations.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

// SaveJob upserts a job definition without touching an existing lease.
func (r *JobRepository) SaveJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	var configJSON []byte

	if job.Config != nil {
		var err error

		configJSON, err = json.Marshal(job.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal job config: %w", err)
		}
	}

	query := `
		INSERT INTO jobs (id, tenant_id, kind, name, cadence_kind, cadence_expression, active, config,
			next_run_at, last_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			kind = EXCLUDED.kind,
			name = EXCLUDED.name,
			cadence_kind = EXCLUDED.cadence_kind,
			cadence_expression = EXCLUDED.cadence_expression,
			active = EXCLUDED.active,
			config = EXCLUDED.config,
			next_run_at = EXCLUDED.next_run_at,
			last_run_at = EXCLUDED.last_run_at,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		job.ID,
		nullString(job.TenantID),
		job.Kind,
		job.Name,
		job.Cadence.Kind,
		nullString(job.Cadence.Expression),
		job.Active,
		configJSON,
		job.NextRunAt,
		job.LastRunAt,
		job.CreatedAt,
		job.UpdatedAt,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

// JobByID returns a job by its ID.
func (r *JobRepository) JobByID(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrJobNotFound
		}

		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	return job, nil
}

// Jobs lists jobs of a kind, or every job when kind is empty.
func (r *JobRepository) Jobs(ctx context.Context, kind models.JobKind) ([]*models.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE ($1 = '' OR kind = $1) ORDER BY id"

	return r.queryJobs(ctx, query, string(kind))
}

// DueJobs lists unleased active jobs whose watermark elapsed.
func (r *JobRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE active
		  AND next_run_at <= $1
		  AND (claim_expires_at IS NULL OR claim_expires_at <= $1)
		ORDER BY next_run_at, id
		LIMIT $2`

	return r.queryJobs(ctx, query, now, limit)
}

// ClaimJob takes the lease with a conditional UPDATE.
func (r *JobRepository) ClaimJob(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.Job, error) {
	query := `UPDATE jobs SET
			claim_token = $2
		  , claim_expires_at = $4
		  , updated_at = NOW()
		WHERE id = $1
		  AND active
		  AND next_run_at <= $3
		  AND (claim_expires_at IS NULL OR claim_expires_at <= $3)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id, token, now, leaseUntil))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("claim", id, r.missingOr(ctx, id, persistence.ErrClaimLost))
		}

		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// CompleteJob advances the watermark and drops the lease held by token.
func (r *JobRepository) CompleteJob(ctx context.Context, id, token string, lastRunAt, nextRunAt time.Time) error {
	query := `UPDATE jobs SET
			last_run_at = $3
		  , next_run_at = $4
		  , claim_token = NULL
		  , claim_expires_at = NULL
		  , updated_at = NOW()
		WHERE id = $1 AND claim_token = $2`

	return r.execOwned(ctx, "complete", id, query, id, token, lastRunAt, nextRunAt)
}

// ReleaseJob drops the lease held by token without moving the watermark.
func (r *JobRepository) ReleaseJob(ctx context.Context, id, token string) error {
	query := `UPDATE jobs SET
			claim_token = NULL
		  , claim_expires_at = NULL
		  , updated_at = NOW()
		WHERE id = $1 AND claim_token = $2`

	return r.execOwned(ctx, "release", id, query, id, token)
}

// AppendOccurrence records one job firing.
func (r *JobRepository) AppendOccurrence(ctx context.Context, occurrence *models.AlertOccurrence) error {
	if occurrence.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate occurrence ID: %w", err)
		}

		occurrence.ID = id.String()
	}

	var detailJSON []byte

	if occurrence.Detail != nil {
		var err error

		detailJSON, err = json.Marshal(occurrence.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal occurrence detail: %w", err)
		}
	}

	query := `
		INSERT INTO alert_occurrences (id, job_id, fired_at, outcome, detail, error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		occurrence.ID,
		occurrence.JobID,
		occurrence.FiredAt,
		occurrence.Outcome,
		detailJSON,
		nullString(occurrence.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert occurrence: %w", err)
	}

	return nil
}

// OccurrencesForJob returns the job's firings in chronological order.
func (r *JobRepository) OccurrencesForJob(ctx context.Context, jobID string) ([]*models.AlertOccurrence, error) {
	query := `
		SELECT id, job_id, fired_at, outcome, detail, error
		FROM alert_occurrences
		WHERE job_id = $1
		ORDER BY fired_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert occurrences: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	occurrences := make([]*models.AlertOccurrence, 0)

	for rows.Next() {
		var (
			occurrence models.AlertOccurrence
			detailJSON []byte
			errText    sql.NullString
		)

		err := rows.Scan(
			&occurrence.ID,
			&occurrence.JobID,
			&occurrence.FiredAt,
			&occurrence.Outcome,
			&detailJSON,
			&errText,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert occurrence: %w", err)
		}

		if detailJSON != nil {
			err = json.Unmarshal(detailJSON, &occurrence.Detail)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal occurrence detail: %w", err)
			}
		}

		occurrence.Error = errText.String
		occurrences = append(occurrences, &occurrence)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating alert occurrences: %w", err)
	}

	return occurrences, nil
}

func (r *JobRepository) execOwned(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", op, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewJobError(op, id, r.missingOr(ctx, id, persistence.ErrClaimLost))
	}

	return nil
}

func (r *JobRepository) missingOr(ctx context.Context, id string, conditionErr error) error {
	var exists bool

	err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)", id).Scan(&exists)
	if err == nil && !exists {
		return persistence.ErrJobNotFound
	}

	return conditionErr
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	jobs := make([]*models.Job, 0)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job                              models.Job
		tenantID, expression, claimToken sql.NullString
		lastRunAt, claimExpiresAt        sql.NullTime
		configJSON                       []byte
	)

	err := row.Scan(
		&job.ID,
		&tenantID,
		&job.Kind,
		&job.Name,
		&job.Cadence.Kind,
		&expression,
		&job.Active,
		&configJSON,
		&job.NextRunAt,
		&lastRunAt,
		&claimToken,
		&claimExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.TenantID = tenantID.String
	job.Cadence.Expression = expression.String
	job.ClaimToken = claimToken.String
	job.LastRunAt = nullTimePtr(lastRunAt)
	job.ClaimExpiresAt = nullTimePtr(claimExpiresAt)

	if configJSON != nil {
		err = json.Unmarshal(configJSON, &job.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal job config: %w", err)
		}
	}

	return &job, nil
}
