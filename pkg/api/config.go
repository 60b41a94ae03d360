package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Service is the engine surface the API exposes. *gosubs.Engine implements it.
type Service interface {
	GetSubscriptionStatus(ctx context.Context, userID string) (*gosubs.StatusView, error)
	SubmitReceipt(ctx context.Context, userID string, provider gosubs.ProviderTag, receipt string) (*gosubs.ReceiptResult, error)
	PastDueItems(ctx context.Context, userID string) ([]*gosubs.RecurringItem, error)
	ConfirmPastDueItem(ctx context.Context, userID, itemID string, outcome gosubs.Outcome) (*gosubs.PaymentConfirmation, error)
	TrackItem(ctx context.Context, item *gosubs.RecurringItem) error
	RequestDeletion(ctx context.Context, userID string) (*gosubs.DeletionRecord, error)
	RecoverDeletion(ctx context.Context, userID string) (*gosubs.DeletionRecord, error)
}

// Config holds configuration for the API handler
type Config struct {
	// Service is the subscription engine (required)
	Service Service

	// GetUserID extracts the authenticated user id from the request.
	// If nil, the X-User-ID header is used.
	GetUserID func(*http.Request) string

	// Providers get their webhook handlers mounted at /webhooks/{name}.
	Providers []billing.Provider

	// HealthCheck reports dependency health for /healthz (optional).
	HealthCheck func(ctx context.Context) error

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is an optional logger (default: no-op).
	Logger gosubs.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	for _, p := range c.Providers {
		if p == nil {
			return fmt.Errorf("nil billing provider")
		}
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetUserID == nil {
		config.GetUserID = FromHeader(UserIDHeader)
	}
	if config.Logger == nil {
		config.Logger = &gosubs.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
