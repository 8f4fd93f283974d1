// Package dispatch is the boundary between the scheduler and the delivery
// providers (email, WhatsApp, SMS and so on).
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/outbound/pkg/models"
)

// Message is one rendered-by-reference step delivery. Providers resolve the
// template themselves and must treat DedupKey as an idempotency key.
type Message struct {
	RunID      string         `json:"run_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	LeadID     string         `json:"lead_id"`
	StepIndex  int            `json:"step_index"`
	Channel    models.Channel `json:"channel"`
	VariantID  string         `json:"variant_id"`
	TemplateID string         `json:"template_id"`
	Variables  map[string]any `json:"variables,omitempty"`
	DedupKey   string         `json:"dedup_key"`
}

// Receipt is what a provider returns for an accepted message.
type Receipt struct {
	Provider          string `json:"provider"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// Sender delivers a message through one provider.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (Receipt, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f(ctx, msg)
}

// Router selects a sender by channel.
type Router struct {
	mu       sync.RWMutex
	senders  map[models.Channel]Sender
	fallback Sender
}

// NewRouter creates an empty router. A nil fallback rejects unknown channels.
func NewRouter(fallback Sender) *Router {
	return &Router{
		senders:  make(map[models.Channel]Sender),
		fallback: fallback,
	}
}

// Register binds a sender to a channel, replacing any previous one.
func (r *Router) Register(channel models.Channel, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.senders[channel] = sender
}

// Send forwards msg to the sender registered for its channel.
func (r *Router) Send(ctx context.Context, msg Message) (Receipt, error) {
	r.mu.RLock()
	sender, ok := r.senders[msg.Channel]
	r.mu.RUnlock()

	if !ok {
		if r.fallback == nil {
			return Receipt{}, Permanent(fmt.Errorf("%w: %s", ErrNoSender, msg.Channel))
		}

		sender = r.fallback
	}

	return sender.Send(ctx, msg)
}
