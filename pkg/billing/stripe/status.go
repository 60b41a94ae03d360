package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// ValidateReceipt implements gosubs.Provider. A Stripe "receipt" is the id of a completed
// subscription checkout session.
func (p *Provider) ValidateReceipt(ctx context.Context, receipt string, env gosubs.Environment) (*gosubs.ReceiptResult, error) {
	receipt = strings.TrimSpace(receipt)
	if !strings.HasPrefix(receipt, "cs_") {
		return nil, gosubs.Definitive(fmt.Errorf("not a checkout session id"))
	}

	session, err := p.api.GetCheckoutSession(ctx, receipt)
	if err != nil {
		return nil, classifyAPIError(err, gosubs.ErrDefinitiveRejection)
	}
	if got := environmentOf(session.Livemode); got != env {
		return nil, fmt.Errorf("%w: session is %s", gosubs.ErrWrongEnvironment, got)
	}
	if session.Status != stripe.CheckoutSessionStatusComplete {
		return nil, gosubs.Definitive(fmt.Errorf("checkout session %s is %s", session.ID, session.Status))
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		return nil, gosubs.Definitive(fmt.Errorf("checkout session %s has no subscription", session.ID))
	}

	sub := session.Subscription
	if sub.Items == nil {
		if sub, err = p.api.GetSubscription(ctx, sub.ID); err != nil {
			return nil, classifyAPIError(err, gosubs.ErrDefinitiveRejection)
		}
	}

	invoiceID := session.ID
	if sub.LatestInvoice != nil && sub.LatestInvoice.ID != "" {
		invoiceID = sub.LatestInvoice.ID
	}
	start, end := periodOf(sub)
	productID, _ := productOf(sub)

	return &gosubs.ReceiptResult{
		Provider:    gosubs.ProviderCardGateway,
		Environment: env,
		CustomerRef: customerID(sub.Customer),
		Products: []gosubs.Product{{
			ProductID:             productID,
			TransactionID:         invoiceID,
			OriginalTransactionID: sub.ID,
			PurchaseAt:            start,
			ExpiresAt:             end,
		}},
	}, nil
}

// GetStatus implements gosubs.Provider
func (p *Provider) GetStatus(ctx context.Context, sub *gosubs.Subscription) (*gosubs.ProviderSnapshot, error) {
	if sub.ProviderSubscriptionRef == "" {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	s, err := p.api.GetSubscription(ctx, sub.ProviderSubscriptionRef)
	if err != nil {
		return nil, classifyAPIError(err, gosubs.ErrSubscriptionNotFound)
	}
	return snapshotOf(s), nil
}

// Cancel implements gosubs.Provider. Cancelling an already cancelled subscription succeeds.
func (p *Provider) Cancel(ctx context.Context, sub *gosubs.Subscription) error {
	if sub.ProviderSubscriptionRef == "" {
		return nil
	}
	_, err := p.api.CancelSubscription(ctx, sub.ProviderSubscriptionRef)
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && (se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing) {
		p.logger.Info("stripe subscription already gone",
			gosubs.F("subscription_ref", sub.ProviderSubscriptionRef))
		return nil
	}
	return classifyAPIError(err, gosubs.ErrSubscriptionNotFound)
}

// ListActive implements gosubs.Provider
func (p *Provider) ListActive(ctx context.Context, customerRef string) ([]*gosubs.ProviderSnapshot, error) {
	if customerRef == "" {
		return nil, nil
	}
	subs, err := p.api.ListSubscriptions(ctx, customerRef)
	if err != nil {
		return nil, classifyAPIError(err, gosubs.ErrSubscriptionNotFound)
	}

	out := make([]*gosubs.ProviderSnapshot, 0, len(subs))
	for _, s := range subs {
		snap := snapshotOf(s)
		switch snap.Status {
		case gosubs.StatusActive, gosubs.StatusTrialing, gosubs.StatusPastDue, gosubs.StatusPaused:
			out = append(out, snap)
		}
	}
	return out, nil
}

func snapshotOf(s *stripe.Subscription) *gosubs.ProviderSnapshot {
	start, end := periodOf(s)
	productID, _ := productOf(s)
	return &gosubs.ProviderSnapshot{
		SubscriptionRef:   s.ID,
		CustomerRef:       customerID(s.Customer),
		ProductID:         productID,
		Status:            statusOf(s.Status),
		PeriodStart:       start,
		PeriodEnd:         end,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CreatedAt:         unixOrZero(s.Created),
		Environment:       environmentOf(s.Livemode),
	}
}

// statusOf maps Stripe subscription statuses onto engine statuses.
func statusOf(s stripe.SubscriptionStatus) gosubs.Status {
	switch s {
	case stripe.SubscriptionStatusActive:
		return gosubs.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return gosubs.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return gosubs.StatusPastDue
	case stripe.SubscriptionStatusPaused:
		return gosubs.StatusPaused
	case stripe.SubscriptionStatusIncomplete:
		return gosubs.StatusIncomplete
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return gosubs.StatusCancelled
	}
	return gosubs.StatusIncomplete
}

// periodOf reads the current period from the subscription items, which carry it since the
// 2025 API versions. With several items the furthest period end wins.
func periodOf(s *stripe.Subscription) (start, end time.Time) {
	if s.Items == nil {
		return time.Time{}, time.Time{}
	}
	var st, en int64
	for _, item := range s.Items.Data {
		if item != nil && item.CurrentPeriodEnd > en {
			st, en = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	return unixOrZero(st), unixOrZero(en)
}

// productOf returns the price id of the first item and its billing cycle ("month", "year").
func productOf(s *stripe.Subscription) (productID, cycle string) {
	if s.Items == nil {
		return "", ""
	}
	for _, item := range s.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if item.Price.Recurring != nil {
			cycle = string(item.Price.Recurring.Interval)
		}
		return item.Price.ID, cycle
	}
	return "", ""
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func environmentOf(livemode bool) gosubs.Environment {
	if livemode {
		return gosubs.EnvironmentProduction
	}
	return gosubs.EnvironmentSandbox
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// classifyAPIError maps a Stripe client error to the engine's error kinds. Not-found and other
// 4xx responses wrap notFound; rate limits, 5xx and network failures are transient.
func classifyAPIError(err error, notFound error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return gosubs.Transient(err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests, se.HTTPStatusCode >= 500,
		se.HTTPStatusCode == 0:
		return gosubs.Transient(err)
	default:
		return fmt.Errorf("%w: %w", notFound, err)
	}
}
