package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/outbound/pkg/channels/gochannel"
	"github.com/dukex/outbound/pkg/channels/kafka"
	"github.com/dukex/outbound/pkg/eventbus"
)

// ErrUnsupportedEventBus is returned for an unknown event bus provider.
var ErrUnsupportedEventBus = errors.New("unsupported event bus provider")

// NewEventBus builds the lifecycle event bus. Provider "none" (or empty)
// returns a nil bus; callers then publish to eventbus.NoopPublisher.
func NewEventBus(provider, brokers string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "none":
		return nil, nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.ParseBrokers(brokers), "outbound")
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Go channel pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventBus, provider)
	}
}

// Publisher returns bus, or a publisher that drops events when bus is nil.
func Publisher(bus eventbus.EventBus) eventbus.EventPublisher {
	if bus == nil {
		return eventbus.NoopPublisher{}
	}

	return bus
}
