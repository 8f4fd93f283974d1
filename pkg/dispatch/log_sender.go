package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogSender accepts every message and only logs it. Used in development.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("module", "log_sender")}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	s.logger.InfoContext(ctx, "Dispatching step",
		"run_id", msg.RunID,
		"lead_id", msg.LeadID,
		"step_index", msg.StepIndex,
		"channel", msg.Channel,
		"variant_id", msg.VariantID,
		"template_id", msg.TemplateID,
		"dedup_key", msg.DedupKey,
	)

	return Receipt{Provider: "log", ProviderMessageID: uuid.NewString()}, nil
}
