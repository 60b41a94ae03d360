package appstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const (
	subscriptionsEndpoint = "/inApps/v1/subscriptions"
	tokenAudience         = "appstoreconnect-v1"
	tokenLifetime         = 20 * time.Minute
	tokenRefreshMargin    = 2 * time.Minute
	maxAPIBodyBytes       = 1 << 20
)

type statusResponse struct {
	Environment string `json:"environment"`
	BundleID    string `json:"bundleId"`
	Data        []struct {
		SubscriptionGroupIdentifier string `json:"subscriptionGroupIdentifier"`
		LastTransactions            []struct {
			OriginalTransactionID string `json:"originalTransactionId"`
			Status                int    `json:"status"`
			SignedTransactionInfo string `json:"signedTransactionInfo"`
			SignedRenewalInfo     string `json:"signedRenewalInfo"`
		} `json:"lastTransactions"`
	} `json:"data"`
}

// GetStatus implements gosubs.Provider using the App Store Server API "Get All Subscription
// Statuses" endpoint for the subscription's original transaction id.
func (p *Provider) GetStatus(ctx context.Context, sub *gosubs.Subscription) (*gosubs.ProviderSnapshot, error) {
	if sub.ProviderSubscriptionRef == "" {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if p.signingKey == nil || p.issuerID == "" || p.keyID == "" {
		return nil, fmt.Errorf("%w: App Store Server API credentials not configured", gosubs.ErrProviderNotConfigured)
	}

	base := p.apiBaseURL
	if sub.Environment == gosubs.EnvironmentSandbox {
		base = p.sandboxAPIBase
	}

	var resp statusResponse
	if err := p.getJSON(ctx, base, subscriptionsEndpoint+"/"+url.PathEscape(sub.ProviderSubscriptionRef), &resp); err != nil {
		return nil, err
	}

	for _, group := range resp.Data {
		for _, last := range group.LastTransactions {
			if last.OriginalTransactionID != sub.ProviderSubscriptionRef {
				continue
			}
			return p.snapshotOf(last.Status, last.SignedTransactionInfo, last.SignedRenewalInfo, resp.Environment)
		}
	}
	return nil, fmt.Errorf("%w: %s", gosubs.ErrSubscriptionNotFound, sub.ProviderSubscriptionRef)
}

func (p *Provider) snapshotOf(status int, signedTx, signedRenewal, env string) (*gosubs.ProviderSnapshot, error) {
	var tx transactionInfo
	if err := p.verifier.Verify(signedTx, &tx); err != nil {
		return nil, fmt.Errorf("failed to verify transaction: %w", err)
	}

	snap := &gosubs.ProviderSnapshot{
		SubscriptionRef: tx.OriginalTransactionID,
		ProductID:       tx.ProductID,
		Status:          statusOf(status),
		PeriodStart:     millis(tx.PurchaseDate),
		PeriodEnd:       millis(tx.ExpiresDate),
		Refunded:        tx.RevocationDate > 0,
		CreatedAt:       millis(tx.OriginalPurchaseDate),
		Environment:     environmentOf(env),
	}
	if snap.Status == "" {
		snap.Status = gosubs.StatusIncomplete
	}
	if signedRenewal != "" {
		var renewal renewalInfo
		if err := p.verifier.Verify(signedRenewal, &renewal); err != nil {
			return nil, fmt.Errorf("failed to verify renewal info: %w", err)
		}
		snap.CancelAtPeriodEnd = renewal.AutoRenewStatus == 0
	}
	return snap, nil
}

func (p *Provider) getJSON(ctx context.Context, base, path string, out interface{}) error {
	token, err := p.bearerToken()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.recordAPICall(subscriptionsEndpoint, start, "error")
		return gosubs.Transient(fmt.Errorf("App Store Server API request failed: %w", err))
	}
	defer resp.Body.Close()
	p.recordAPICall(subscriptionsEndpoint, start, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: App Store returned 404", gosubs.ErrSubscriptionNotFound)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		p.resetToken()
	}
	if err := billing.ClassifyStatus(providerName, subscriptionsEndpoint, resp.StatusCode); err != nil {
		return err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBodyBytes))
	if err != nil {
		return gosubs.Transient(fmt.Errorf("failed to read App Store response: %w", err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: failed to parse App Store response: %v", billing.ErrProviderAPIError, err)
	}
	return nil
}

// bearerToken returns a cached ES256 App Store Server API token, minting a new one shortly
// before expiry.
func (p *Provider) bearerToken() (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	now := p.now()
	if p.token != "" && now.Add(tokenRefreshMargin).Before(p.tokenExpiry) {
		return p.token, nil
	}

	expiry := now.Add(tokenLifetime)
	claims := jwt.MapClaims{
		"iss": p.issuerID,
		"iat": now.Unix(),
		"exp": expiry.Unix(),
		"aud": tokenAudience,
	}
	if p.bundleID != "" {
		claims["bid"] = p.bundleID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = p.keyID

	signed, err := token.SignedString(p.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign App Store token: %w", err)
	}
	p.token, p.tokenExpiry = signed, expiry
	return signed, nil
}

func (p *Provider) resetToken() {
	p.tokenMu.Lock()
	p.token = ""
	p.tokenMu.Unlock()
}
