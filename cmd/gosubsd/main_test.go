package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/config"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := root.Execute()
	return out.String(), err
}

func TestApp_MemoryHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "error"

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.Empty(t, a.providers)

	h, err := a.handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/subscription", nil)
	req.Header.Set("X-User-ID", "user1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "free", view["tier"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_HealthCheckFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "error"
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	a.checks = append(a.checks, func(context.Context) error { return gosubs.ErrStorageUnavailable })

	h, err := a.handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestApp_AppStoreRequiresReadableRoots(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "error"
	cfg.AppStore.BundleID = "com.example.app"
	cfg.AppStore.RootCertFiles = []string{filepath.Join(t.TempDir(), "missing.cer")}

	_, err := newApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "apple root certificate")
}

func TestUserResolvers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "error"
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	id, err := a.userByCustomer(ctx, "cus_unknown")
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = a.userByOriginalTransaction(ctx, "1000000001")
	assert.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)
}

func TestConfigPrint_Redacts(t *testing.T) {
	t.Setenv("GOSUBS_STRIPE_API_KEY", "sk_test_secret")
	t.Setenv("GOSUBS_STRIPE_WEBHOOK_SECRET", "whsec_secret")

	out, err := runCmd(t, "config", "print")
	require.NoError(t, err)
	assert.Contains(t, out, "api_key: <redacted>")
	assert.NotContains(t, out, "sk_test_secret")
	assert.Contains(t, out, "payment_grace: 168h0m0s")
}

func TestSweepAndReconcile_DryRunOnMemory(t *testing.T) {
	t.Setenv("GOSUBS_LOG_LEVEL", "error")

	out, err := runCmd(t, "sweep", "grace", "--dry-run")
	require.NoError(t, err)
	var report gosubs.SweepReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.DryRun)
	assert.Zero(t, report.Eligible)

	out, err = runCmd(t, "reconcile", "--dry-run")
	require.NoError(t, err)
	var rec gosubs.ReconcileReport
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.True(t, rec.DryRun)

	_, err = runCmd(t, "sweep", "everything")
	assert.Error(t, err)
}

func TestMigrate_RequiresDSN(t *testing.T) {
	_, err := runCmd(t, "migrate", "version")
	assert.ErrorContains(t, err, "postgres_dsn")
}
