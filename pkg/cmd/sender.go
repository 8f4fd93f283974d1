package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/outbound/pkg/config"
	"github.com/dukex/outbound/pkg/dispatch"
)

// NewSender routes every configured channel to its provider. Channels without
// a configured sender fall back to logging the message.
func NewSender(senders []config.Sender, logger *slog.Logger) (*dispatch.Router, error) {
	router := dispatch.NewRouter(dispatch.NewLogSender(logger))

	for _, s := range senders {
		switch s.Type {
		case "http":
			sender, err := dispatch.NewHTTPSender(s.Provider, s.URL, s.Headers, s.Timeout, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create %s sender for %s: %w", s.Type, s.Channel, err)
			}

			router.Register(s.Channel, sender)
		case "log":
			router.Register(s.Channel, dispatch.NewLogSender(logger))
		default:
			return nil, fmt.Errorf("unsupported sender type %q for channel %s", s.Type, s.Channel)
		}

		logger.Info("Registered sender", "channel", s.Channel, "type", s.Type, "provider", s.Provider)
	}

	return router, nil
}
