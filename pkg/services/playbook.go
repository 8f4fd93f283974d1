package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

type Playbook struct {
	persistence persistence.Persistence
	validator   *validator.Validate
	logger      *slog.Logger
}

// NewPlaybook creates a new playbook service.
func NewPlaybook(persistence persistence.Persistence, logger *slog.Logger) *Playbook {
	return &Playbook{
		persistence: persistence,
		validator:   validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "playbook_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (p *Playbook) HealthCheck(ctx context.Context) (string, bool) {
	if p.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := p.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Get retrieves a playbook by its ID.
func (p *Playbook) Get(ctx context.Context, id string) (*models.Playbook, error) {
	playbook, err := p.persistence.PlaybookRepository().PlaybookByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get playbook %s: %w", id, err)
	}

	return playbook, nil
}

// Create validates and stores a new playbook. Playbooks start as drafts unless a status is given.
func (p *Playbook) Create(ctx context.Context, playbook *models.Playbook) (*models.Playbook, error) {
	if playbook == nil {
		return nil, NewValidationError("create_playbook", "PLAYBOOK_REQUIRED", "playbook is required", ErrInvalidRequest)
	}

	if strings.TrimSpace(playbook.ID) == "" {
		playbook.ID = uuid.NewString()
	}

	if playbook.Status == "" {
		playbook.Status = models.PlaybookStatusDraft
	}

	playbook.Version = 0
	playbook.SortSteps()

	if err := p.validate(playbook); err != nil {
		return nil, err
	}

	if _, err := p.persistence.PlaybookRepository().PlaybookByID(ctx, playbook.ID); err == nil {
		return nil, NewValidationError("create_playbook", "PLAYBOOK_EXISTS", "playbook "+playbook.ID+" already exists", ErrInvalidRequest)
	} else if !persistence.IsPlaybookNotFound(err) {
		return nil, fmt.Errorf("failed to check playbook %s: %w", playbook.ID, err)
	}

	if err := p.persistence.PlaybookRepository().SavePlaybook(ctx, playbook); err != nil {
		return nil, fmt.Errorf("failed to create playbook: %w", err)
	}

	p.logger.InfoContext(ctx, "Playbook created",
		"playbook_id", playbook.ID,
		"status", playbook.Status,
		"steps", len(playbook.Steps),
	)

	return playbook, nil
}

// SetStatus moves a playbook between draft, active and paused. Existing runs are unaffected.
func (p *Playbook) SetStatus(ctx context.Context, id string, status models.PlaybookStatus) (*models.Playbook, error) {
	switch status {
	case models.PlaybookStatusDraft, models.PlaybookStatusActive, models.PlaybookStatusPaused:
	default:
		return nil, NewValidationError("set_playbook_status", "INVALID_STATUS", "unknown playbook status "+string(status), ErrInvalidStatus)
	}

	playbook, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if playbook.Status == status {
		return playbook, nil
	}

	playbook.Status = status

	if err := p.persistence.PlaybookRepository().SavePlaybook(ctx, playbook); err != nil {
		return nil, fmt.Errorf("failed to update playbook %s: %w", id, err)
	}

	p.logger.InfoContext(ctx, "Playbook status changed", "playbook_id", id, "status", status, "version", playbook.Version)

	return playbook, nil
}

func (p *Playbook) validate(playbook *models.Playbook) error {
	if err := p.validator.Struct(playbook); err != nil {
		return NewValidationError("create_playbook", "INVALID_PLAYBOOK", err.Error(), ErrInvalidRequest)
	}

	if err := playbook.CheckSteps(); err != nil {
		return NewValidationError("create_playbook", "INVALID_STEPS", err.Error(), ErrInvalidRequest)
	}

	if len(playbook.VariablesSchema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(playbook.VariablesSchema)); err != nil {
			return NewValidationError("create_playbook", "INVALID_SCHEMA", "variables_schema: "+err.Error(), ErrInvalidRequest)
		}
	}

	return nil
}
