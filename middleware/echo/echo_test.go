package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
	"github.com/mihaimyh/gosubs/storage/memory"
)

// Test helper to create an engine with one premium subscriber
func setupTestEngine(t *testing.T) *gosubs.Engine {
	t.Helper()

	engine, err := gosubs.NewEngine(memory.New(), gosubs.Config{SyncProcessing: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	now := time.Now().UTC()
	_, err = engine.Accept(context.Background(), &gosubs.Notification{
		Provider:        gosubs.ProviderCardGateway,
		EventID:         "evt_1",
		RawType:         "customer.subscription.created",
		Type:            gosubs.EventPurchased,
		OccurredAt:      now.Add(-time.Hour),
		UserID:          "user1",
		SubscriptionRef: "sub_1",
		ProductID:       "premium_monthly",
		Environment:     gosubs.EnvironmentProduction,
		PeriodStart:     now.Add(-time.Hour),
		PeriodEnd:       now.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	return engine
}

func setupEcho(t *testing.T, cfg Config) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/premium", func(c echo.Context) error {
		view, ok := StatusFromContext(c)
		require.True(t, ok)
		return c.String(http.StatusOK, string(view.Status))
	})
	return e
}

func get(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_WithEngine(t *testing.T) {
	e := setupEcho(t, Config{Status: setupTestEngine(t), GetUserID: FromHeader("X-User-ID")})

	rec := get(e, "user1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", rec.Body.String())

	rec = get(e, "user2")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "free", rec.Header().Get(StatusHeader))

	assert.Equal(t, http.StatusUnauthorized, get(e, "").Code)
}

type failingStatus struct{}

func (failingStatus) GetSubscriptionStatus(context.Context, string) (*gosubs.StatusView, error) {
	return nil, gosubs.ErrStorageUnavailable
}

func TestMiddleware_StatusError(t *testing.T) {
	e := setupEcho(t, Config{Status: failingStatus{}, GetUserID: FromHeader("X-User-ID")})
	assert.Equal(t, http.StatusServiceUnavailable, get(e, "user1").Code)

	var seen error
	e = setupEcho(t, Config{
		Status:    failingStatus{},
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c echo.Context, err error) error {
			seen = err
			return c.NoContent(http.StatusBadGateway)
		},
	})
	assert.Equal(t, http.StatusBadGateway, get(e, "user1").Code)
	assert.ErrorIs(t, seen, gosubs.ErrStorageUnavailable)
}

func TestMiddleware_FromContext(t *testing.T) {
	engine := setupTestEngine(t)
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", c.Request().Header.Get("X-Auth"))
			return next(c)
		}
	})
	e.Use(Middleware(Config{
		Status:       engine,
		GetUserID:    FromContext("UserID"),
		RequiredTier: gosubs.TierFree,
	}))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Auth", "user2")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
