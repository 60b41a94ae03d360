package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Acceptor records verified notifications. *gosubs.Engine implements it.
type Acceptor interface {
	Accept(ctx context.Context, n *gosubs.Notification) (gosubs.RecordResult, error)
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// Engine receives every verified notification.
	Engine Acceptor

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// WebhookCallback is invoked after a delivery was accepted as a new event (optional).
	// Callback errors are logged and never change the response.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// RateLimit and RateLimitWindow bound requests per client IP on the webhook endpoint
	// (defaults: 100 per minute).
	RateLimit       int
	RateLimitWindow time.Duration

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional logger (default: no-op).
	Logger gosubs.Logger
}

func (c *Config) setDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &gosubs.NoopLogger{}
	}
}
