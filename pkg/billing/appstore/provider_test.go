package appstore

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
	"github.com/mihaimyh/gosubs/storage/memory"
)

const testUserToken = "6f1c2d9e-4b8a-4c1e-9d3f-2a7b5e8c0d14"

func newTestProvider(t *testing.T, pki *testPKI, mutate func(*Config)) *Provider {
	t.Helper()
	cfg := Config{
		BundleID:         testBundleID,
		RootCertificates: [][]byte{pki.rootPEM},
		SharedSecret:     "shared-secret",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	return p
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{RootCertificates: [][]byte{[]byte("not a certificate")}})
	assert.Error(t, err)

	_, err = NewProvider(Config{PrivateKey: []byte("not a key")})
	assert.Error(t, err)

	p, err := NewProvider(Config{})
	require.NoError(t, err)
	assert.Equal(t, "appstore", p.Name())
	assert.Equal(t, gosubs.ProviderMobileIAP, p.Tag())

	// without roots nothing can be verified
	_, err = p.ParseWebhook(context.Background(), nil, []byte(`{"signedPayload":"a.b.c"}`))
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestCancelAndListActiveNotSupported(t *testing.T) {
	p := newTestProvider(t, newTestPKI(t), nil)
	assert.ErrorIs(t, p.Cancel(context.Background(), &gosubs.Subscription{}), gosubs.ErrNotSupported)
	_, err := p.ListActive(context.Background(), "cust")
	assert.ErrorIs(t, err, gosubs.ErrNotSupported)
}

func TestParseWebhook_Mappings(t *testing.T) {
	pki := newTestPKI(t)
	p := newTestProvider(t, pki, nil)
	now := time.Now().UTC().Truncate(time.Millisecond)
	ctx := context.Background()

	tests := []struct {
		name       string
		typ        string
		subtype    string
		offer      string
		autoRenew  int
		want       gosubs.EventType
		wantCharge bool
	}{
		{"initial buy", "SUBSCRIBED", "INITIAL_BUY", "", 1, gosubs.EventPurchased, true},
		{"free trial", "SUBSCRIBED", "INITIAL_BUY", "FREE_TRIAL", 1, gosubs.EventTrialStarted, false},
		{"renewal", "DID_RENEW", "", "", 1, gosubs.EventRenewalSucceeded, true},
		{"billing retry", "DID_FAIL_TO_RENEW", "", "", 1, gosubs.EventRenewalFailed, false},
		{"grace period", "DID_FAIL_TO_RENEW", "GRACE_PERIOD", "", 1, gosubs.EventRenewalFailed, false},
		{"auto-renew off", "DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", "", 0, gosubs.EventCancelled, false},
		{"auto-renew on", "DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED", "", 1, gosubs.EventReactivated, false},
		{"expired", "EXPIRED", "VOLUNTARY", "", 0, gosubs.EventExpired, false},
		{"grace expired", "GRACE_PERIOD_EXPIRED", "", "", 1, gosubs.EventExpired, false},
		{"refund", "REFUND", "", "", 0, gosubs.EventRefunded, true},
		{"extended", "RENEWAL_EXTENDED", "", "", 1, gosubs.EventSnapshot, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := pki.signTransaction(t, txFields{
				transactionID: "2000",
				originalID:    "1000",
				purchase:      now,
				expires:       now.Add(30 * 24 * time.Hour),
				offer:         tt.offer,
				userToken:     testUserToken,
			})
			body := pki.notificationBody(t, "uuid-"+tt.name, tt.typ, tt.subtype, now, tx,
				pki.signRenewal(t, "1000", tt.autoRenew))

			n, err := p.ParseWebhook(ctx, nil, body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.Type)
			assert.Equal(t, gosubs.ProviderMobileIAP, n.Provider)
			assert.Equal(t, "uuid-"+tt.name, n.EventID)
			assert.Equal(t, "1000", n.SubscriptionRef)
			assert.Equal(t, testUserToken, n.UserID)
			assert.Equal(t, "premium_monthly", n.ProductID)
			assert.Equal(t, gosubs.EnvironmentSandbox, n.Environment)
			assert.True(t, n.OccurredAt.Equal(now))
			assert.True(t, n.PeriodEnd.Equal(now.Add(30*24*time.Hour)))
			assert.Equal(t, tt.autoRenew == 0, n.CancelAtPeriodEnd)
			assert.Equal(t, gosubs.StatusActive, n.ProviderStatus)
			if tt.wantCharge {
				require.NotNil(t, n.Charge)
				assert.Equal(t, gosubs.Charge{Ref: "2000", Amount: 999, Currency: "USD"}, *n.Charge)
			} else {
				assert.Nil(t, n.Charge)
			}
		})
	}
}

func TestParseWebhook_Ignored(t *testing.T) {
	pki := newTestPKI(t)
	p := newTestProvider(t, pki, nil)
	now := time.Now()

	for _, typ := range []string{"TEST", "PRICE_INCREASE", "CONSUMPTION_REQUEST", "DID_CHANGE_RENEWAL_PREF"} {
		_, err := p.ParseWebhook(context.Background(), nil, pki.notificationBody(t, "uuid-"+typ, typ, "", now, "", ""))
		assert.ErrorIs(t, err, billing.ErrIgnoredEvent, typ)
	}
}

func TestParseWebhook_Rejections(t *testing.T) {
	pki := newTestPKI(t)
	p := newTestProvider(t, pki, nil)
	now := time.Now()
	ctx := context.Background()
	tx := pki.signTransaction(t, txFields{transactionID: "2", originalID: "1", purchase: now, expires: now.Add(time.Hour)})

	_, err := p.ParseWebhook(ctx, nil, []byte(`not json`))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)

	_, err = p.ParseWebhook(ctx, nil, []byte(`{}`))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)

	// signed by a chain that does not lead to the configured root
	other := newTestPKI(t)
	_, err = p.ParseWebhook(ctx, nil, other.notificationBody(t, "u1", "DID_RENEW", "", now, tx, ""))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)

	// valid envelope, forged nested transaction
	forged := other.signTransaction(t, txFields{transactionID: "2", originalID: "1", purchase: now, expires: now.Add(time.Hour)})
	_, err = p.ParseWebhook(ctx, nil, pki.notificationBody(t, "u2", "DID_RENEW", "", now, forged, ""))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)

	// tampered signature
	body := pki.notificationBody(t, "u3", "DID_RENEW", "", now, tx, "")
	var env map[string]string
	require.NoError(t, json.Unmarshal(body, &env))
	parts := strings.Split(env["signedPayload"], ".")
	require.Len(t, parts, 3)
	parts[2] = strings.Repeat("A", len(parts[2]))
	tampered, err := json.Marshal(map[string]string{"signedPayload": strings.Join(parts, ".")})
	require.NoError(t, err)
	_, err = p.ParseWebhook(ctx, nil, tampered)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)

	// another app's notification
	q := newTestProvider(t, pki, func(c *Config) { c.BundleID = "com.example.other" })
	_, err = q.ParseWebhook(ctx, nil, pki.notificationBody(t, "u4", "DID_RENEW", "", now, tx, ""))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)

	_, err = p.ParseWebhook(ctx, nil, pki.notificationBody(t, "u5", "DID_RENEW", "", now, "", ""))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}

func TestParseWebhook_UserIDResolver(t *testing.T) {
	pki := newTestPKI(t)
	p := newTestProvider(t, pki, func(c *Config) {
		c.UserIDResolver = func(_ context.Context, originalID string) (string, error) {
			if originalID == "1000" {
				return "user-from-db", nil
			}
			return "", gosubs.ErrSubscriptionNotFound
		}
	})
	now := time.Now()

	tx := pki.signTransaction(t, txFields{transactionID: "2", originalID: "1000", purchase: now, expires: now.Add(time.Hour)})
	n, err := p.ParseWebhook(context.Background(), nil, pki.notificationBody(t, "u1", "DID_RENEW", "", now, tx, ""))
	require.NoError(t, err)
	assert.Equal(t, "user-from-db", n.UserID)

	tx = pki.signTransaction(t, txFields{transactionID: "3", originalID: "9999", purchase: now, expires: now.Add(time.Hour)})
	n, err = p.ParseWebhook(context.Background(), nil, pki.notificationBody(t, "u2", "DID_RENEW", "", now, tx, ""))
	require.NoError(t, err)
	assert.Empty(t, n.UserID)
}

func TestWebhookHandler_EndToEnd(t *testing.T) {
	pki := newTestPKI(t)
	store := memory.New()
	engine, err := gosubs.NewEngine(store, gosubs.Config{SyncProcessing: true})
	require.NoError(t, err)
	defer engine.Close()

	p := newTestProvider(t, pki, func(c *Config) { c.Engine = engine })
	now := time.Now().UTC()
	tx := pki.signTransaction(t, txFields{
		transactionID: "2000",
		originalID:    "1000",
		purchase:      now.Add(-time.Hour),
		expires:       now.Add(30 * 24 * time.Hour),
		userToken:     testUserToken,
	})
	body := pki.notificationBody(t, "uuid-1", "SUBSCRIBED", "INITIAL_BUY", now, tx, pki.signRenewal(t, "1000", 1))

	send := func(b []byte) int {
		rec := httptest.NewRecorder()
		p.WebhookHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/appstore", bytes.NewReader(b)))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send(body))
	assert.Equal(t, http.StatusOK, send(body))
	assert.Equal(t, http.StatusOK, send(pki.notificationBody(t, "uuid-test", "TEST", "", now, "", "")))
	assert.Equal(t, http.StatusUnauthorized, send(newTestPKI(t).notificationBody(t, "uuid-2", "SUBSCRIBED", "", now, tx, "")))

	view, err := engine.GetSubscriptionStatus(context.Background(), testUserToken)
	require.NoError(t, err)
	assert.Equal(t, gosubs.TierPremium, view.Tier)
	assert.Equal(t, gosubs.ProviderMobileIAP, view.Provider)

	sub, err := store.GetSubscription(context.Background(), testUserToken)
	require.NoError(t, err)
	txs, err := store.ListTransactions(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(999), txs[0].Amount)
}

// verifyReceiptServer answers verifyReceipt with a fixed status; status 0 returns one subscription.
func verifyReceiptServer(t *testing.T, status int, expires time.Time, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req verifyRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "shared-secret", req.Password)
		assert.Equal(t, "MIIT-receipt", req.ReceiptData)

		resp := map[string]interface{}{"status": status}
		if status == 0 {
			resp["latest_receipt_info"] = []map[string]string{
				{
					"product_id":              "premium_monthly",
					"transaction_id":          "2000",
					"original_transaction_id": "1000",
					"purchase_date_ms":        "1700000000000",
					"expires_date_ms":         strconv.FormatInt(expires.UnixMilli(), 10),
				},
				{
					"product_id":              "premium_monthly",
					"transaction_id":          "1999",
					"original_transaction_id": "1000",
					"purchase_date_ms":        "1690000000000",
					"expires_date_ms":         "1695000000000",
					"cancellation_date_ms":    "1691000000000",
				},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestValidateReceipt_SandboxRedirect(t *testing.T) {
	var prodCalls, sandboxCalls int32
	expires := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Millisecond)
	prod := verifyReceiptServer(t, 21007, expires, &prodCalls)
	defer prod.Close()
	sandbox := verifyReceiptServer(t, 0, expires, &sandboxCalls)
	defer sandbox.Close()

	p := newTestProvider(t, newTestPKI(t), func(c *Config) {
		c.VerifyReceiptURL = prod.URL
		c.SandboxVerifyReceiptURL = sandbox.URL
	})

	validator := gosubs.NewReceiptValidator(gosubs.NewProviderRegistry(p), gosubs.ReceiptValidatorConfig{})
	res, err := validator.Validate(context.Background(), gosubs.ProviderMobileIAP, "MIIT-receipt")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&prodCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sandboxCalls))
	assert.Equal(t, gosubs.EnvironmentSandbox, res.Environment)
	require.Len(t, res.Products, 1, "cancelled rows are skipped")
	assert.Equal(t, "1000", res.Products[0].OriginalTransactionID)
	assert.True(t, res.Products[0].ExpiresAt.Equal(expires))
}

func TestValidateReceipt_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{21007, gosubs.ErrWrongEnvironment},
		{21008, gosubs.ErrWrongEnvironment},
		{21005, gosubs.ErrTransientFailure},
		{21009, gosubs.ErrTransientFailure},
		{21150, gosubs.ErrTransientFailure},
		{21002, gosubs.ErrDefinitiveRejection},
		{21004, gosubs.ErrDefinitiveRejection},
		{21010, gosubs.ErrDefinitiveRejection},
	}
	for _, tt := range tests {
		var calls int32
		srv := verifyReceiptServer(t, tt.status, time.Now(), &calls)
		p := newTestProvider(t, newTestPKI(t), func(c *Config) { c.VerifyReceiptURL = srv.URL })
		_, err := p.ValidateReceipt(context.Background(), "MIIT-receipt", gosubs.EnvironmentProduction)
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
		srv.Close()
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	p := newTestProvider(t, newTestPKI(t), func(c *Config) { c.VerifyReceiptURL = down.URL })
	_, err := p.ValidateReceipt(context.Background(), "MIIT-receipt", gosubs.EnvironmentProduction)
	assert.ErrorIs(t, err, gosubs.ErrTransientFailure)

	_, err = p.ValidateReceipt(context.Background(), "", gosubs.EnvironmentProduction)
	assert.ErrorIs(t, err, gosubs.ErrDefinitiveRejection)
}

func TestSubmitReceipt_GrantsPremium(t *testing.T) {
	var calls int32
	expires := time.Now().Add(30 * 24 * time.Hour).UTC()
	srv := verifyReceiptServer(t, 0, expires, &calls)
	defer srv.Close()

	p := newTestProvider(t, newTestPKI(t), func(c *Config) { c.VerifyReceiptURL = srv.URL })
	engine, err := gosubs.NewEngine(memory.New(), gosubs.Config{
		Providers:      gosubs.NewProviderRegistry(p),
		SyncProcessing: true,
	})
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.SubmitReceipt(context.Background(), "user1", gosubs.ProviderMobileIAP, "MIIT-receipt")
	require.NoError(t, err)

	view, err := engine.GetSubscriptionStatus(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.TierPremium, view.Tier)
}

func apiKeyPEM(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestGetStatus(t *testing.T) {
	pki := newTestPKI(t)
	key, keyPEM := apiKeyPEM(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tokens = append(tokens, raw)
		token, err := jwt.Parse(raw, func(tok *jwt.Token) (interface{}, error) {
			assert.Equal(t, "KEY123", tok.Header["kid"])
			return &key.PublicKey, nil
		}, jwt.WithAudience("appstoreconnect-v1"), jwt.WithIssuer("issuer-1"))
		if err != nil || !token.Valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch r.URL.Path {
		case "/inApps/v1/subscriptions/1000":
			resp := map[string]interface{}{
				"environment": "Sandbox",
				"bundleId":    testBundleID,
				"data": []interface{}{map[string]interface{}{
					"subscriptionGroupIdentifier": "group",
					"lastTransactions": []interface{}{map[string]interface{}{
						"originalTransactionId": "1000",
						"status":                3,
						"signedTransactionInfo": pki.signTransaction(t, txFields{
							transactionID: "2000",
							originalID:    "1000",
							purchase:      now.Add(-30 * 24 * time.Hour),
							expires:       now,
						}),
						"signedRenewalInfo": pki.signRenewal(t, "1000", 0),
					}},
				}},
			}
			_ = json.NewEncoder(w).Encode(resp)
		case "/inApps/v1/subscriptions/refunded":
			resp := map[string]interface{}{
				"environment": "Production",
				"data": []interface{}{map[string]interface{}{
					"lastTransactions": []interface{}{map[string]interface{}{
						"originalTransactionId": "refunded",
						"status":                5,
						"signedTransactionInfo": pki.signTransaction(t, txFields{
							transactionID: "r2",
							originalID:    "refunded",
							purchase:      now.Add(-time.Hour),
							expires:       now.Add(time.Hour),
							revoked:       true,
						}),
					}},
				}},
			}
			_ = json.NewEncoder(w).Encode(resp)
		case "/inApps/v1/subscriptions/flaky":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newTestProvider(t, pki, func(c *Config) {
		c.IssuerID = "issuer-1"
		c.KeyID = "KEY123"
		c.PrivateKey = keyPEM
		c.APIBaseURL = srv.URL
		c.SandboxAPIBaseURL = srv.URL
	})
	ctx := context.Background()

	snap, err := p.GetStatus(ctx, &gosubs.Subscription{ProviderSubscriptionRef: "1000", Environment: gosubs.EnvironmentSandbox})
	require.NoError(t, err)
	assert.Equal(t, gosubs.StatusPastDue, snap.Status)
	assert.True(t, snap.PeriodEnd.Equal(now))
	assert.True(t, snap.CancelAtPeriodEnd)
	assert.False(t, snap.Refunded)
	assert.Equal(t, gosubs.EnvironmentSandbox, snap.Environment)

	snap, err = p.GetStatus(ctx, &gosubs.Subscription{ProviderSubscriptionRef: "refunded"})
	require.NoError(t, err)
	assert.Equal(t, gosubs.StatusCancelled, snap.Status)
	assert.True(t, snap.Refunded)

	_, err = p.GetStatus(ctx, &gosubs.Subscription{ProviderSubscriptionRef: "missing"})
	assert.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)

	_, err = p.GetStatus(ctx, &gosubs.Subscription{ProviderSubscriptionRef: "flaky"})
	assert.ErrorIs(t, err, gosubs.ErrTransientFailure)

	// one token serves every call until it nears expiry
	require.Len(t, tokens, 4)
	for _, tok := range tokens[1:] {
		assert.Equal(t, tokens[0], tok)
	}

	noCreds := newTestProvider(t, pki, nil)
	_, err = noCreds.GetStatus(ctx, &gosubs.Subscription{ProviderSubscriptionRef: "1000"})
	assert.ErrorIs(t, err, gosubs.ErrProviderNotConfigured)
}
