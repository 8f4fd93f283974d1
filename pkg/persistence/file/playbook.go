package file

import (
	"context"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
)

// PlaybookRepository stores playbooks in playbooks.json.
type PlaybookRepository struct {
	fp *Persistence
}

// PlaybookByID returns a copy of the stored playbook.
func (r *PlaybookRepository) PlaybookByID(_ context.Context, id string) (*models.Playbook, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	playbook, ok := r.fp.playbooks[id]
	if !ok {
		return nil, persistence.ErrPlaybookNotFound
	}

	return playbook.Clone(), nil
}

// SavePlaybook inserts or replaces a playbook, bumping its version on replace.
func (r *PlaybookRepository) SavePlaybook(_ context.Context, playbook *models.Playbook) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	now := time.Now().UTC()

	if existing, ok := r.fp.playbooks[playbook.ID]; ok {
		playbook.CreatedAt = existing.CreatedAt
		playbook.Version = existing.Version + 1
	} else {
		if playbook.CreatedAt.IsZero() {
			playbook.CreatedAt = now
		}

		if playbook.Version == 0 {
			playbook.Version = 1
		}
	}

	playbook.UpdatedAt = now
	r.fp.playbooks[playbook.ID] = playbook.Clone()

	return r.fp.flushPlaybooks()
}
