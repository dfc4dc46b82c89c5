package security

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg *RateLimitConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(cfg, logrus.New())
	t.Cleanup(rl.Stop)
	return rl
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := newTestLimiter(t, &RateLimitConfig{Enabled: true})
	assert.Equal(t, 600, rl.config.RequestsPerMinute)
	assert.Equal(t, 600, rl.config.BurstSize)
	assert.Equal(t, 5*time.Minute, rl.config.CleanupInterval)
	assert.Equal(t, 10*time.Minute, rl.config.IdleTimeout)
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := newTestLimiter(t, &RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstSize: 1})
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("client").Allowed)
	}
	assert.Equal(t, 0, rl.Len())
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl := newTestLimiter(t, &RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		res := rl.Allow("client")
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res := rl.Allow("client")
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Second)

	// Buckets are per client
	assert.True(t, rl.Allow("other").Allowed)
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := newTestLimiter(t, &RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1})
	assert.True(t, rl.Allow("client").Allowed)
	assert.False(t, rl.Allow("client").Allowed)

	rl.Reset("client")
	assert.True(t, rl.Allow("client").Allowed)
}

func TestRateLimiter_CleanupDropsIdleBuckets(t *testing.T) {
	rl := newTestLimiter(t, &RateLimitConfig{Enabled: true, IdleTimeout: time.Minute})
	rl.Allow("a")
	rl.Allow("b")
	require.Equal(t, 2, rl.Len())

	rl.cleanup(time.Now())
	assert.Equal(t, 2, rl.Len())

	rl.cleanup(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, rl.Len())
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: true}, logrus.New())
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newTestLimiter(t, &RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2})
	handler := rl.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "192.0.2.10:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("/v1/query").Code)
	assert.Equal(t, http.StatusOK, send("/v1/query").Code)

	rec := send("/v1/query")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.Contains(t, rec.Body.String(), "rate_limit_error")

	// Health probes are never throttled
	assert.Equal(t, http.StatusOK, send("/health").Code)
}

func TestDefaultKeyExtractor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	assert.Equal(t, "ip:192.0.2.10", DefaultKeyExtractor(req))

	req.Header.Set("X-API-Key", "secret-token")
	keyed := DefaultKeyExtractor(req)
	assert.Contains(t, keyed, "token:")
	assert.NotContains(t, keyed, "secret")

	req = req.WithContext(WithAuthInfo(req.Context(), &AuthInfo{UserID: "u1"}))
	assert.Equal(t, "user:u1", DefaultKeyExtractor(req))
}
