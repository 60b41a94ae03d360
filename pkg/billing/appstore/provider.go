// Package appstore adapts the Apple App Store to gosubs. It ingests App Store Server
// Notifications V2 (JWS signed, x5c chain checked against configured Apple roots), validates
// receipts through verifyReceipt and reads subscription status from the App Store Server API.
package appstore

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const (
	providerName       = "appstore"
	defaultHTTPTimeout = 10 * time.Second

	defaultVerifyReceiptURL        = "https://buy.itunes.apple.com/verifyReceipt"
	defaultSandboxVerifyReceiptURL = "https://sandbox.itunes.apple.com/verifyReceipt"
	defaultAPIBaseURL              = "https://api.storekit.itunes.apple.com"
	defaultSandboxAPIBaseURL       = "https://api.storekit-sandbox.itunes.apple.com"
)

// Config extends billing.Config with App Store options
type Config struct {
	billing.Config // Base config (Engine, Metrics, etc.)

	// BundleID is the app's bundle identifier. Notifications for other bundles are rejected.
	BundleID string

	// RootCertificates are the trusted Apple root certificates, PEM or DER encoded.
	// Required to accept notifications.
	RootCertificates [][]byte

	// SharedSecret is the app-specific shared secret sent to verifyReceipt.
	SharedSecret string

	// App Store Server API credentials (required for GetStatus)
	IssuerID   string
	KeyID      string
	PrivateKey []byte // PEM encoded EC P-256 key from App Store Connect

	// UserIDResolver maps an original transaction id to the internal user when the
	// transaction carries no appAccountToken (optional).
	UserIDResolver func(ctx context.Context, originalTransactionID string) (string, error)

	// Endpoint overrides (tests)
	VerifyReceiptURL        string
	SandboxVerifyReceiptURL string
	APIBaseURL              string
	SandboxAPIBaseURL       string

	// Now overrides the clock used for certificate validity and token issuance (tests).
	Now func() time.Time
}

// Provider implements billing.Provider for the App Store
type Provider struct {
	bundleID       string
	sharedSecret   string
	verifier       *jwsVerifier
	userIDResolver func(context.Context, string) (string, error)
	httpClient     *http.Client
	metrics        billing.Metrics
	logger         gosubs.Logger
	handler        http.Handler
	now            func() time.Time

	verifyURL        string
	sandboxVerifyURL string
	apiBaseURL       string
	sandboxAPIBase   string

	issuerID   string
	keyID      string
	signingKey *ecdsa.PrivateKey

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new App Store billing provider
func NewProvider(config Config) (*Provider, error) {
	now := config.Now
	if now == nil {
		now = time.Now
	}

	verifier, err := newJWSVerifier(config.RootCertificates, now)
	if err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
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
		bundleID:         strings.TrimSpace(config.BundleID),
		sharedSecret:     config.SharedSecret,
		verifier:         verifier,
		userIDResolver:   config.UserIDResolver,
		httpClient:       httpClient,
		metrics:          metrics,
		logger:           logger,
		now:              now,
		verifyURL:        orDefault(config.VerifyReceiptURL, defaultVerifyReceiptURL),
		sandboxVerifyURL: orDefault(config.SandboxVerifyReceiptURL, defaultSandboxVerifyReceiptURL),
		apiBaseURL:       strings.TrimRight(orDefault(config.APIBaseURL, defaultAPIBaseURL), "/"),
		sandboxAPIBase:   strings.TrimRight(orDefault(config.SandboxAPIBaseURL, defaultSandboxAPIBaseURL), "/"),
		issuerID:         config.IssuerID,
		keyID:            config.KeyID,
	}

	if len(config.PrivateKey) > 0 {
		key, err := jwt.ParseECPrivateKeyFromPEM(config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse App Store private key: %w", err)
		}
		p.signingKey = key
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
	return gosubs.ProviderMobileIAP
}

// WebhookHandler returns the HTTP handler for App Store Server Notifications
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// Cancel implements gosubs.Provider. App Store subscriptions can only be cancelled by the
// customer on the device.
func (p *Provider) Cancel(_ context.Context, _ *gosubs.Subscription) error {
	return fmt.Errorf("appstore cancel: %w", gosubs.ErrNotSupported)
}

// ListActive implements gosubs.Provider. The App Store has no customer-level listing.
func (p *Provider) ListActive(_ context.Context, _ string) ([]*gosubs.ProviderSnapshot, error) {
	return nil, fmt.Errorf("appstore list: %w", gosubs.ErrNotSupported)
}

func (p *Provider) recordAPICall(endpoint string, start time.Time, status string) {
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func environmentOf(s string) gosubs.Environment {
	if strings.EqualFold(s, "Production") {
		return gosubs.EnvironmentProduction
	}
	return gosubs.EnvironmentSandbox
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
