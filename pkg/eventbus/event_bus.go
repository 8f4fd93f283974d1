// Package eventbus provides the publish/subscribe boundary for run and job lifecycle notifications.
package eventbus

import (
	"context"

	"github.com/dukex/outbound/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// NoopPublisher drops every event. It backs services running without a bus.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, Event) error {
	return nil
}
