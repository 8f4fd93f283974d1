package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
)

// ErrInvalidAlertRule is returned by AlertHandler for malformed rule configs.
var ErrInvalidAlertRule = errors.New("invalid alert rule")

// pageSize bounds each store read while handlers walk run listings.
const pageSize = 500

// DigestHandler summarizes runs per status, optionally for one playbook
// (config key "playbook_id").
type DigestHandler struct {
	runs persistence.RunRepository
}

func NewDigestHandler(runs persistence.RunRepository) *DigestHandler {
	return &DigestHandler{runs: runs}
}

func (h *DigestHandler) Handle(ctx context.Context, job *models.Job, firedAt time.Time) (map[string]any, error) {
	playbookID, _ := job.Config["playbook_id"].(string)

	counts, err := countRuns(ctx, h.runs, persistence.ListRunsOptions{PlaybookID: playbookID})
	if err != nil {
		return nil, err
	}

	detail := map[string]any{
		"generated_at": firedAt.Format(time.RFC3339),
	}

	total := 0

	for status, n := range counts {
		detail[string(status)] = n
		total += n
	}

	detail["total"] = total

	if playbookID != "" {
		detail["playbook_id"] = playbookID
	}

	return detail, nil
}

// AlertHandler fires when the number of runs in a status reaches a threshold.
//
// Config keys: "status" (default "failed"), "threshold" (required, > 0),
// and an optional "playbook_id".
type AlertHandler struct {
	runs persistence.RunRepository
}

func NewAlertHandler(runs persistence.RunRepository) *AlertHandler {
	return &AlertHandler{runs: runs}
}

func (h *AlertHandler) Handle(ctx context.Context, job *models.Job, _ time.Time) (map[string]any, error) {
	threshold, err := intConfig(job.Config, "threshold")
	if err != nil {
		return nil, err
	}

	status := models.RunStatusFailed
	if s, ok := job.Config["status"].(string); ok && s != "" {
		status = models.RunStatus(s)
	}

	playbookID, _ := job.Config["playbook_id"].(string)

	counts, err := countRuns(ctx, h.runs, persistence.ListRunsOptions{PlaybookID: playbookID, Status: &status})
	if err != nil {
		return nil, err
	}

	value := counts[status]

	return map[string]any{
		"status":    string(status),
		"value":     value,
		"threshold": threshold,
		"triggered": value >= threshold,
	}, nil
}

func countRuns(ctx context.Context, repo persistence.RunRepository, opts persistence.ListRunsOptions) (map[models.RunStatus]int, error) {
	counts := make(map[models.RunStatus]int)
	opts.Limit = pageSize

	for {
		page, err := repo.Runs(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}

		for _, run := range page {
			counts[run.Status]++
		}

		if len(page) < pageSize {
			return counts, nil
		}

		opts.Offset += pageSize
	}
}

func intConfig(config map[string]any, key string) (int, error) {
	var n int

	switch v := config[key].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidAlertRule, key)
	}

	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidAlertRule, key)
	}

	return n, nil
}
