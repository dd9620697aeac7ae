package notify

import (
	"context"
	"time"
)

// Event is an order/payment state change published for downstream
// consumers (mail, WhatsApp, webhooks). Delivery itself lives outside
// this backend.
type Event struct {
	RequestID  string    `json:"request_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	CustomerID string    `json:"customer_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier publishes events fire-and-forget: a broker outage must never
// fail the business operation that produced the event.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(_ context.Context, _ Event) error { return nil }
func (Noop) Close() error                             { return nil }
