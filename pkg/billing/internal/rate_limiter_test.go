package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Minute)

	ok, _ := rl.allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = rl.allow("10.0.0.1")
	assert.True(t, ok)

	ok, wait := rl.allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	// other clients are unaffected
	ok, _ = rl.allow("10.0.0.2")
	assert.True(t, ok)

	clock.advance(time.Minute)
	ok, _ = rl.allow("10.0.0.1")
	assert.True(t, ok, "a new window starts at resetAt")
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	rl.allow("192.168.1.100")
	clock.advance(30 * time.Second)
	rl.allow("192.168.1.200")
	clock.advance(45 * time.Second)

	rl.Cleanup()
	_, expired := rl.requests["192.168.1.100"]
	_, active := rl.requests["192.168.1.200"]
	assert.False(t, expired)
	assert.True(t, active)
}

func TestRateLimiter_CleanupIsBounded(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	for i := 0; i < 250; i++ {
		rl.allow(fmt.Sprintf("172.16.%d.%d", i/256, i%256))
	}
	clock.advance(2 * time.Minute)

	// the size threshold triggers cleanup on the next request
	rl.allow("10.0.0.1")
	assert.Len(t, rl.requests, 1)

	for i := 0; i < rl.cleanupEvery*15; i++ {
		rl.allow("10.0.0.1")
	}
	assert.LessOrEqual(t, rl.requestCount, rl.cleanupEvery*10)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, 30*time.Second)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", http.NoBody)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("192.0.2.1:5000").Code)
	// same host on another port shares the bucket
	rec := send("192.0.2.1:5001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", GetClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", GetClientIP(req))
}
