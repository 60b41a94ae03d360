package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// ParseWebhook implements billing.WebhookParser. It verifies the Stripe-Signature header and
// normalizes subscription, invoice, refund and checkout events.
func (p *Provider) ParseWebhook(ctx context.Context, header http.Header, body []byte) (*gosubs.Notification, error) {
	if p.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", billing.ErrProviderNotConfigured)
	}

	sig := header.Get("Stripe-Signature")
	if sig == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", billing.ErrInvalidWebhookSignature)
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	return p.normalizeEvent(ctx, &event)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// normalizeEvent maps a verified Stripe event to a notification.
func (p *Provider) normalizeEvent(ctx context.Context, event *stripe.Event) (*gosubs.Notification, error) {
	if event.ID == "" || event.Data == nil {
		return nil, fmt.Errorf("%w: event without id or data", billing.ErrInvalidWebhookPayload)
	}

	n := &gosubs.Notification{
		Provider:    gosubs.ProviderCardGateway,
		EventID:     event.ID,
		RawType:     string(event.Type),
		OccurredAt:  time.Unix(event.Created, 0).UTC(),
		Environment: environmentOf(event.Livemode),
		Payload:     event.Data.Raw,
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted",
		"customer.subscription.paused", "customer.subscription.resumed":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		if err := p.fillFromSubscription(ctx, n, &sub); err != nil {
			return nil, err
		}
		n.Type = subscriptionEventType(string(event.Type), &sub, event.Data.PreviousAttributes)
		return n, nil

	case "invoice.payment_succeeded", "invoice.payment_failed":
		return p.normalizeInvoice(n, event)

	case "charge.refunded":
		return p.normalizeRefund(ctx, n, event)

	case "checkout.session.completed":
		return p.normalizeCheckout(ctx, n, event)

	default:
		return nil, fmt.Errorf("%w: %s", billing.ErrIgnoredEvent, event.Type)
	}
}

func subscriptionEventType(eventType string, sub *stripe.Subscription, prev map[string]interface{}) gosubs.EventType {
	switch eventType {
	case "customer.subscription.created":
		switch sub.Status {
		case stripe.SubscriptionStatusTrialing:
			return gosubs.EventTrialStarted
		case stripe.SubscriptionStatusActive:
			return gosubs.EventPurchased
		}
		return gosubs.EventSnapshot
	case "customer.subscription.deleted":
		return gosubs.EventExpired
	case "customer.subscription.paused":
		return gosubs.EventPaused
	case "customer.subscription.resumed":
		return gosubs.EventResumed
	}

	// customer.subscription.updated: an auto-renew toggle is a cancel or reactivation,
	// anything else is the provider's current view
	if _, toggled := prev["cancel_at_period_end"]; toggled {
		if sub.CancelAtPeriodEnd {
			return gosubs.EventCancelled
		}
		return gosubs.EventReactivated
	}
	return gosubs.EventSnapshot
}

func (p *Provider) fillFromSubscription(ctx context.Context, n *gosubs.Notification, sub *stripe.Subscription) error {
	n.SubscriptionRef = sub.ID
	n.CustomerRef = customerID(sub.Customer)
	n.ProviderStatus = statusOf(sub.Status)
	n.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	n.PeriodStart, n.PeriodEnd = periodOf(sub)
	n.ProductID, n.BillingCycle = productOf(sub)
	if sub.PauseCollection != nil && sub.PauseCollection.ResumesAt > 0 {
		resumes := time.Unix(sub.PauseCollection.ResumesAt, 0).UTC()
		n.ResumesAt = &resumes
	}

	userID, err := p.userIDOf(ctx, sub.Metadata, n.CustomerRef)
	if err != nil {
		return err
	}
	n.UserID = userID
	return nil
}

// userIDOf reads metadata.user_id, falling back to the configured resolver.
func (p *Provider) userIDOf(ctx context.Context, metadata map[string]string, customer string) (string, error) {
	if id := metadata[userIDMetadataKey]; id != "" {
		return id, nil
	}
	if p.userIDResolver == nil || customer == "" {
		return "", nil
	}
	id, err := p.userIDResolver(ctx, customer)
	if err != nil {
		return "", gosubs.Transient(fmt.Errorf("failed to resolve user for customer %s: %w", customer, err))
	}
	return id, nil
}

// invoicePayload holds the invoice fields the engine consumes. The subscription link moved
// between API versions, so both locations are read.
type invoicePayload struct {
	ID            string     `json:"id"`
	Customer      expandable `json:"customer"`
	AmountPaid    int64      `json:"amount_paid"`
	AmountDue     int64      `json:"amount_due"`
	Currency      string     `json:"currency"`
	BillingReason string     `json:"billing_reason"`
	Subscription  expandable `json:"subscription"`

	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`

	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type subscriptionDetails struct {
	Subscription expandable        `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func (inv *invoicePayload) details() *subscriptionDetails {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails
	}
	return inv.SubscriptionDetails
}

func (inv *invoicePayload) subscriptionRef() string {
	if d := inv.details(); d != nil && d.Subscription != "" {
		return string(d.Subscription)
	}
	return string(inv.Subscription)
}

func (inv *invoicePayload) period() (start, end time.Time) {
	var s, e int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > e {
			s, e = line.Period.Start, line.Period.End
		}
	}
	return unixOrZero(s), unixOrZero(e)
}

func (p *Provider) normalizeInvoice(n *gosubs.Notification, event *stripe.Event) (*gosubs.Notification, error) {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}

	subRef := inv.subscriptionRef()
	if subRef == "" {
		return nil, fmt.Errorf("%w: invoice %s is not a subscription invoice", billing.ErrIgnoredEvent, inv.ID)
	}

	n.SubscriptionRef = subRef
	n.CustomerRef = string(inv.Customer)
	if d := inv.details(); d != nil {
		n.UserID = d.Metadata[userIDMetadataKey]
	}
	n.PeriodStart, n.PeriodEnd = inv.period()

	if event.Type == "invoice.payment_failed" {
		n.Type = gosubs.EventRenewalFailed
		n.Charge = &gosubs.Charge{Ref: inv.ID, Amount: inv.AmountDue, Currency: inv.Currency}
		return n, nil
	}

	if inv.AmountPaid == 0 {
		// trial and zero-amount invoices move no money; the subscription events carry the state
		return nil, fmt.Errorf("%w: zero-amount invoice %s", billing.ErrIgnoredEvent, inv.ID)
	}
	n.Type = gosubs.EventRenewalSucceeded
	if inv.BillingReason == "subscription_create" {
		n.Type = gosubs.EventPurchased
	}
	n.Charge = &gosubs.Charge{Ref: inv.ID, Amount: inv.AmountPaid, Currency: inv.Currency}
	return n, nil
}

type chargePayload struct {
	ID             string            `json:"id"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Refunded       bool              `json:"refunded"`
	Invoice        expandable        `json:"invoice"`
	Customer       expandable        `json:"customer"`
	Metadata       map[string]string `json:"metadata"`
}

// normalizeRefund maps a full refund of an invoice charge. The ledger keys charges by
// invoice id, so refunds without an invoice link cannot be attributed and are ignored.
func (p *Provider) normalizeRefund(ctx context.Context, n *gosubs.Notification, event *stripe.Event) (*gosubs.Notification, error) {
	var ch chargePayload
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal charge: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if !ch.Refunded {
		return nil, fmt.Errorf("%w: partial refund of %s", billing.ErrIgnoredEvent, ch.ID)
	}
	if ch.Invoice == "" {
		return nil, fmt.Errorf("%w: refund of %s is not linked to an invoice", billing.ErrIgnoredEvent, ch.ID)
	}

	inv, err := p.api.GetInvoice(ctx, string(ch.Invoice))
	if err != nil {
		return nil, classifyAPIError(err, billing.ErrInvalidWebhookPayload)
	}
	subRef := invoiceSubscriptionRef(inv)
	if subRef == "" {
		return nil, fmt.Errorf("%w: invoice %s is not a subscription invoice", billing.ErrIgnoredEvent, inv.ID)
	}

	n.Type = gosubs.EventRefunded
	n.SubscriptionRef = subRef
	n.CustomerRef = string(ch.Customer)
	n.UserID = ch.Metadata[userIDMetadataKey]
	n.Charge = &gosubs.Charge{Ref: string(ch.Invoice), Amount: ch.AmountRefunded, Currency: ch.Currency}
	return n, nil
}

func invoiceSubscriptionRef(inv *stripe.Invoice) string {
	if inv == nil || inv.Parent == nil || inv.Parent.SubscriptionDetails == nil ||
		inv.Parent.SubscriptionDetails.Subscription == nil {
		return ""
	}
	return inv.Parent.SubscriptionDetails.Subscription.ID
}

// normalizeCheckout turns a completed subscription checkout into a purchase. The session
// names the user; the subscription is fetched for periods and product.
func (p *Provider) normalizeCheckout(ctx context.Context, n *gosubs.Notification, event *stripe.Event) (*gosubs.Notification, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if session.Mode != stripe.CheckoutSessionModeSubscription || session.Subscription == nil ||
		session.Subscription.ID == "" {
		return nil, fmt.Errorf("%w: checkout session %s is not a subscription checkout", billing.ErrIgnoredEvent, session.ID)
	}

	sub, err := p.api.GetSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return nil, classifyAPIError(err, billing.ErrInvalidWebhookPayload)
	}
	if err := p.fillFromSubscription(ctx, n, sub); err != nil {
		return nil, err
	}
	if id := sessionUserID(&session); id != "" {
		n.UserID = id
	}

	switch sub.Status {
	case stripe.SubscriptionStatusActive:
		n.Type = gosubs.EventPurchased
	case stripe.SubscriptionStatusTrialing:
		n.Type = gosubs.EventTrialStarted
	default:
		return nil, fmt.Errorf("%w: subscription %s is %s", billing.ErrIgnoredEvent, sub.ID, sub.Status)
	}
	return n, nil
}

func sessionUserID(session *stripe.CheckoutSession) string {
	if id := session.Metadata[userIDMetadataKey]; id != "" {
		return id
	}
	return session.ClientReferenceID
}

// expandable decodes a Stripe reference that is either an id string or an expanded object.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}
