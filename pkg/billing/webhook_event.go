package billing

import (
	"time"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// WebhookEvent describes a delivery the engine accepted as new.
// It is passed to the WebhookCallback after the event was recorded.
type WebhookEvent struct {
	// Provider is the billing provider name ("stripe", "appstore")
	Provider string

	// EventID is the provider's event identifier
	EventID string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.created", "invoice.payment_succeeded", etc.
	// App Store: "SUBSCRIBED", "DID_RENEW", "REFUND", etc.
	EventType string

	// Type is the normalized event type
	Type gosubs.EventType

	// UserID is the internal user identifier, when the payload names one
	UserID string

	// SubscriptionRef is the provider's subscription identifier
	SubscriptionRef string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// ExpiresAt is the reported period end (nil when the event carries none)
	ExpiresAt *time.Time
}

func webhookEventOf(name string, n *gosubs.Notification) WebhookEvent {
	ev := WebhookEvent{
		Provider:        name,
		EventID:         n.EventID,
		EventType:       n.RawType,
		Type:            n.Type,
		UserID:          n.UserID,
		SubscriptionRef: n.SubscriptionRef,
		EventTimestamp:  n.OccurredAt,
	}
	if !n.PeriodEnd.IsZero() {
		end := n.PeriodEnd
		ev.ExpiresAt = &end
	}
	return ev
}
