package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Provider is a payment rail adapter that also ingests the rail's webhooks.
// Stripe and the App Store implement it; the engine only sees the gosubs.Provider half.
type Provider interface {
	gosubs.Provider

	// Name returns the provider name (e.g., "stripe", "appstore")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies and accepts real-time events.
	WebhookHandler() http.Handler
}

// WebhookParser verifies a raw delivery and normalizes it into a notification.
//
// ParseWebhook returns errors wrapping ErrInvalidWebhookSignature when the delivery is not
// authentic, ErrInvalidWebhookPayload when an authentic payload cannot be used, ErrIgnoredEvent
// for deliveries without a subscription change and gosubs.ErrTransientFailure when a lookup
// needed to normalize the event failed.
type WebhookParser interface {
	Name() string
	ParseWebhook(ctx context.Context, header http.Header, body []byte) (*gosubs.Notification, error)
}
