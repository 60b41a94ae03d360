package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
	"github.com/mihaimyh/gosubs/storage/memory"
)

const testUserID = "user123"

// stubProvider validates receipts by their text: "good", "bad" or anything else (transient).
type stubProvider struct {
	expires time.Time
}

func (p *stubProvider) Tag() gosubs.ProviderTag { return gosubs.ProviderMobileIAP }

func (p *stubProvider) ValidateReceipt(_ context.Context, receipt string, env gosubs.Environment) (*gosubs.ReceiptResult, error) {
	switch receipt {
	case "good":
		return &gosubs.ReceiptResult{
			Environment: env,
			Products: []gosubs.Product{{
				ProductID:             "premium_monthly",
				TransactionID:         "t2",
				OriginalTransactionID: "t1",
				PurchaseAt:            p.expires.Add(-30 * 24 * time.Hour),
				ExpiresAt:             p.expires,
			}},
		}, nil
	case "bad":
		return nil, gosubs.Definitive(errors.New("malformed receipt"))
	}
	return nil, gosubs.Transient(errors.New("upstream timeout"))
}

func (p *stubProvider) GetStatus(context.Context, *gosubs.Subscription) (*gosubs.ProviderSnapshot, error) {
	return nil, gosubs.ErrNotSupported
}

func (p *stubProvider) Cancel(context.Context, *gosubs.Subscription) error { return nil }

func (p *stubProvider) ListActive(context.Context, string) ([]*gosubs.ProviderSnapshot, error) {
	return nil, gosubs.ErrNotSupported
}

type testEnv struct {
	store   *memory.Storage
	engine  *gosubs.Engine
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	engine, err := gosubs.NewEngine(store, gosubs.Config{
		Providers:      gosubs.NewProviderRegistry(&stubProvider{expires: time.Now().Add(30 * 24 * time.Hour)}),
		RetryQueue:     memory.NewRetryQueue(),
		SyncProcessing: true,
		Retry: gosubs.RetryPolicy{
			MaxAttempts: 2,
			Backoff:     func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	h, err := NewHandler(Config{Service: engine})
	require.NoError(t, err)
	return &testEnv{store: store, engine: engine, handler: h.Router()}
}

func (e *testEnv) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	h, err := NewHandler(Config{Service: &gosubs.Engine{}})
	require.NoError(t, err)
	assert.NotNil(t, h.config.GetUserID)
}

func TestGetSubscription(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/subscription", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/subscription", strings.Repeat("x", 300), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/subscription", testUserID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SubscriptionResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, testUserID, resp.UserID)
	assert.Equal(t, "free", resp.Tier)
	assert.Nil(t, resp.CurrentPeriodEnd)
}

func TestSubmitReceipt(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/receipts", testUserID, `{"provider":"mobile_iap","receipt":"good"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ReceiptResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "verified", resp.Status)
	assert.Equal(t, "production", resp.Environment)
	require.Len(t, resp.Products, 1)
	assert.Equal(t, "t1", resp.Products[0].OriginalTransactionID)

	rec = env.do(t, http.MethodGet, "/v1/subscription", testUserID, "")
	var sub SubscriptionResponse
	decodeBody(t, rec, &sub)
	assert.Equal(t, "premium", sub.Tier)
	assert.Equal(t, "mobile_iap", sub.Provider)
	assert.NotNil(t, sub.CurrentPeriodEnd)

	rec = env.do(t, http.MethodPost, "/v1/receipts", testUserID, `{"provider":"mobile_iap","receipt":"bad"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "could not verify purchase", errResp.Error)

	rec = env.do(t, http.MethodPost, "/v1/receipts", testUserID, `{"provider":"mobile_iap","receipt":"flaky"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Equal(t, "pending", resp.Status)

	rec = env.do(t, http.MethodPost, "/v1/receipts", testUserID, `{"provider":"card_gateway","receipt":"good"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitReceipt_RequestValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"provider":`},
		{"unknown field", `{"provider":"mobile_iap","receipt":"good","extra":1}`},
		{"missing receipt", `{"provider":"mobile_iap"}`},
		{"unknown provider", `{"provider":"paypal","receipt":"good"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/receipts", testUserID, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := env.do(t, http.MethodPost, "/v1/receipts", testUserID, `{"provider":"paypal"}`)
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "oneof", resp.Details["provider"])
	assert.Equal(t, "required", resp.Details["receipt"])
}

func TestPastDueFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, due := range []time.Time{now.AddDate(0, 0, -3), now.AddDate(0, 0, -10), now.AddDate(0, 0, 5)} {
		require.NoError(t, env.engine.TrackItem(ctx, &gosubs.RecurringItem{
			ID:       []string{"rent", "gym", "future"}[i],
			UserID:   testUserID,
			Name:     "item",
			Amount:   1000,
			Currency: "USD",
			DueDate:  due,
			Interval: gosubs.IntervalMonthly,
		}))
	}

	rec := env.do(t, http.MethodGet, "/v1/past-due", testUserID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list PastDueResponse
	decodeBody(t, rec, &list)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "gym", list.Items[0].ID)
	assert.Equal(t, "rent", list.Items[1].ID)

	rec = env.do(t, http.MethodPost, "/v1/past-due/gym/confirm", testUserID, `{"outcome":"paid"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var conf gosubs.PaymentConfirmation
	decodeBody(t, rec, &conf)
	assert.Equal(t, gosubs.OutcomePaid, conf.Outcome)

	rec = env.do(t, http.MethodPost, "/v1/past-due/future/confirm", testUserID, `{"outcome":"paid"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/past-due/rent/confirm", "someone-else", `{"outcome":"paid"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/past-due/rent/confirm", testUserID, `{"outcome":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/past-due", testUserID, "")
	decodeBody(t, rec, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "rent", list.Items[0].ID)
}

func TestTrackItem(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/items", testUserID,
		`{"name":"Netflix","amount":1599,"currency":"usd","due_date":"2024-01-15T00:00:00Z","interval":"monthly"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item gosubs.RecurringItem
	decodeBody(t, rec, &item)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "USD", item.Currency)
	assert.Equal(t, testUserID, item.UserID)

	stored, err := env.store.GetRecurringItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.IntervalMonthly, stored.Interval)

	rec = env.do(t, http.MethodPost, "/v1/items", testUserID, `{"name":"x","currency":"USD","interval":"monthly"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/items", testUserID,
		`{"name":"x","currency":"USD","due_date":"2024-01-15T00:00:00Z","interval":"fortnightly"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountDeletion(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodDelete, "/v1/account/deletion", testUserID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/account/deletion", testUserID, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var del gosubs.DeletionRecord
	decodeBody(t, rec, &del)
	assert.Equal(t, testUserID, del.UserID)
	assert.True(t, del.PurgeAt.After(del.DeletedAt))

	rec = env.do(t, http.MethodDelete, "/v1/account/deletion", testUserID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &del)
	assert.NotNil(t, del.RecoveredAt)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	h, err := NewHandler(Config{
		Service:     env.engine,
		HealthCheck: func(context.Context) error { return gosubs.ErrStorageUnavailable },
	})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCustomUserIDAndErrorHandler(t *testing.T) {
	type ctxKey struct{}
	var seen error
	h, err := NewHandler(Config{
		Service:   newTestEnv(t).engine,
		GetUserID: FromContext(ctxKey{}),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			seen = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/subscription", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Error(t, seen)

	req := httptest.NewRequest(http.MethodGet, "/v1/subscription", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testUserID))
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// failingService reports storage outages on every read.
type failingService struct{ Service }

func (failingService) GetSubscriptionStatus(context.Context, string) (*gosubs.StatusView, error) {
	return nil, gosubs.ErrStorageUnavailable
}

func TestServiceErrorsMapTo503(t *testing.T) {
	h, err := NewHandler(Config{Service: failingService{}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/subscription", nil)
	req.Header.Set(UserIDHeader, testUserID)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type debugLogger struct {
	gosubs.NoopLogger
	messages []string
}

func (l *debugLogger) Debug(msg string, _ ...gosubs.Field) {
	l.messages = append(l.messages, msg)
}

// brokenWriter accepts headers but fails every body write, like a reset connection.
type brokenWriter struct {
	header http.Header
	code   int
}

func (w *brokenWriter) Header() http.Header { return w.header }

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func (w *brokenWriter) WriteHeader(code int) { w.code = code }

func TestWriteJSON_LogsFailedWrites(t *testing.T) {
	logger := &debugLogger{}
	h, err := NewHandler(Config{Service: newTestEnv(t).engine, Logger: logger})
	require.NoError(t, err)

	w := &brokenWriter{header: make(http.Header)}
	h.Health(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.code)
	assert.Equal(t, []string{"failed to write response"}, logger.messages)
}
