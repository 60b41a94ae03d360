// Package stripe adapts Stripe to gosubs: signed webhook ingestion, checkout-session receipt
// validation, and subscription status, cancel and list calls for reconciliation.
package stripe

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	userIDMetadataKey  = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Engine, Metrics, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// UserIDResolver maps a Stripe customer to the internal user when neither the subscription
	// nor the checkout session carries metadata.user_id (optional).
	UserIDResolver func(ctx context.Context, customerID string) (string, error)

	// API overrides the Stripe client (tests).
	API API
}

// API is the subset of the Stripe API the adapter calls.
type API interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error)
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	api            API
	webhookSecret  string
	userIDResolver func(context.Context, string) (string, error)
	metrics        billing.Metrics
	logger         gosubs.Logger
	handler        http.Handler
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(config.StripeAPIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
		api = &clientAPI{client: stripe.NewClient(apiKey, stripe.WithBackends(backends))}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &gosubs.NoopLogger{}
	}

	p := &Provider{
		api:            &instrumentedAPI{api: api, metrics: metrics},
		webhookSecret:  strings.TrimSpace(config.StripeWebhookSecret),
		userIDResolver: config.UserIDResolver,
		metrics:        metrics,
		logger:         logger,
	}
	p.handler = billing.NewWebhookHandler(p, config.Config)
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Tag implements gosubs.Provider
func (p *Provider) Tag() gosubs.ProviderTag {
	return gosubs.ProviderCardGateway
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// clientAPI calls Stripe through the v83 client.
type clientAPI struct {
	client *stripe.Client
}

func (a *clientAPI) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return a.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (a *clientAPI) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return a.client.V1Subscriptions.Cancel(ctx, id, nil)
}

func (a *clientAPI) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subs []*stripe.Subscription
	for sub, err := range a.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (a *clientAPI) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("subscription")
	return a.client.V1CheckoutSessions.Retrieve(ctx, id, params)
}

func (a *clientAPI) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	return a.client.V1Invoices.Retrieve(ctx, id, nil)
}

// instrumentedAPI records call counts and latency per endpoint.
type instrumentedAPI struct {
	api     API
	metrics billing.Metrics
}

func (a *instrumentedAPI) record(endpoint string, start time.Time, err error) {
	status := "200"
	if err != nil {
		status = "error"
		if se, ok := err.(*stripe.Error); ok && se.HTTPStatusCode != 0 {
			status = strconv.Itoa(se.HTTPStatusCode)
		}
	}
	a.metrics.RecordAPICall(providerName, endpoint, status)
	a.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

func (a *instrumentedAPI) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	start := time.Now()
	sub, err := a.api.GetSubscription(ctx, id)
	a.record("/v1/subscriptions/{id}", start, err)
	return sub, err
}

func (a *instrumentedAPI) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	start := time.Now()
	sub, err := a.api.CancelSubscription(ctx, id)
	a.record("/v1/subscriptions/{id}/cancel", start, err)
	return sub, err
}

func (a *instrumentedAPI) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	start := time.Now()
	subs, err := a.api.ListSubscriptions(ctx, customerID)
	a.record("/v1/subscriptions", start, err)
	return subs, err
}

func (a *instrumentedAPI) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	start := time.Now()
	session, err := a.api.GetCheckoutSession(ctx, id)
	a.record("/v1/checkout/sessions/{id}", start, err)
	return session, err
}

func (a *instrumentedAPI) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	start := time.Now()
	inv, err := a.api.GetInvoice(ctx, id)
	a.record("/v1/invoices/{id}", start, err)
	return inv, err
}
