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
)

// PlaybookRepository handles playbook-related database operations.
type PlaybookRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPlaybookRepository creates a new playbook repository.
func NewPlaybookRepository(db *sql.DB, logger *slog.Logger) *PlaybookRepository {
	return &PlaybookRepository{db: db, logger: logger}
}

// PlaybookByID returns a playbook with its steps.
func (r *PlaybookRepository) PlaybookByID(ctx context.Context, id string) (*models.Playbook, error) {
	query := `
		SELECT
			id
		  , tenant_id
		  , name
		  , status
		  , steps
		  , variables_schema
		  , version
		  , created_at
		  , updated_at
		FROM playbooks
		WHERE id = $1
	`

	var (
		playbook             models.Playbook
		tenantID             sql.NullString
		stepsJSON, schemaRaw []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&playbook.ID,
		&tenantID,
		&playbook.Name,
		&playbook.Status,
		&stepsJSON,
		&schemaRaw,
		&playbook.Version,
		&playbook.CreatedAt,
		&playbook.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrPlaybookNotFound
		}

		return nil, fmt.Errorf("failed to scan playbook: %w", err)
	}

	playbook.TenantID = tenantID.String

	err = json.Unmarshal(stepsJSON, &playbook.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if schemaRaw != nil {
		err = json.Unmarshal(schemaRaw, &playbook.VariablesSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables schema: %w", err)
		}
	}

	playbook.SortSteps()

	return &playbook, nil
}

// SavePlaybook upserts a playbook. Replacing an existing row bumps its version.
func (r *PlaybookRepository) SavePlaybook(ctx context.Context, playbook *models.Playbook) error {
	now := time.Now().UTC()

	if playbook.CreatedAt.IsZero() {
		playbook.CreatedAt = now
	}

	if playbook.Version == 0 {
		playbook.Version = 1
	}

	stepsJSON, err := json.Marshal(playbook.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	var schemaJSON []byte
	if playbook.VariablesSchema != nil {
		schemaJSON, err = json.Marshal(playbook.VariablesSchema)
		if err != nil {
			return fmt.Errorf("failed to marshal variables schema: %w", err)
		}
	}

	query := `
		INSERT INTO playbooks (id, tenant_id, name, status, steps, variables_schema, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			variables_schema = EXCLUDED.variables_schema,
			version = playbooks.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version, created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		playbook.ID,
		nullString(playbook.TenantID),
		playbook.Name,
		playbook.Status,
		stepsJSON,
		schemaJSON,
		playbook.Version,
		playbook.CreatedAt,
		now,
	).Scan(&playbook.Version, &playbook.CreatedAt, &playbook.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save playbook: %w", err)
	}

	return nil
}
