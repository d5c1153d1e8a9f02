package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mw "github.com/kiranshivaraju/lawsignal/internal/api/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Cache ---

type mockCache struct {
	counts map[string]int64
	err    error
}

func newMockCache() *mockCache { return &mockCache{counts: map[string]int64{}} }

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (m *mockCache) Delete(_ context.Context, _ string) error                          { return nil }
func (m *mockCache) Ping(_ context.Context) error                                      { return nil }
func (m *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	return m.counts[key], nil
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func serve(h http.Handler, remote string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ========================================
// Client IP Tests
// ========================================

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"socket peer", "10.0.0.7:5123", nil, "10.0.0.7"},
		{"forwarded first hop", "10.0.0.7:5123", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"real ip", "10.0.0.7:5123", map[string]string{"X-Real-IP": "198.51.100.4"}, "198.51.100.4"},
		{"no port", "10.0.0.7", nil, "10.0.0.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := mw.ClientIP(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got, _ = mw.GetClientIP(r)
			}))
			serve(h, tt.remote, tt.headers)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(newMockCache(), 60)
	handler := mw.ClientIP(rl.Limit(okHandler()))

	w := serve(handler, "10.0.0.7:1", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimitPerClient(t *testing.T) {
	rl := mw.NewRateLimit(newMockCache(), 2)
	handler := mw.ClientIP(rl.Limit(okHandler()))

	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.7:1", nil).Code)
	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.7:2", nil).Code)
	w := serve(handler, "10.0.0.7:3", nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])

	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.8:1", nil).Code, "other clients keep their own window")
}

func TestRateLimit_DisabledAtZero(t *testing.T) {
	mc := newMockCache()
	handler := mw.ClientIP(mw.NewRateLimit(mc, 0).Limit(okHandler()))

	for range 5 {
		assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.7:1", nil).Code)
	}
	assert.Empty(t, mc.counts)
}

func TestRateLimit_FailsOpenOnCacheError(t *testing.T) {
	mc := newMockCache()
	mc.err = errors.New("redis down")
	handler := mw.ClientIP(mw.NewRateLimit(mc, 1).Limit(okHandler()))

	w := serve(handler, "10.0.0.7:1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_NoClientIP_PassThrough(t *testing.T) {
	rl := mw.NewRateLimit(newMockCache(), 1)

	w := serve(rl.Limit(okHandler()), "10.0.0.7:1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := serve(mw.Recovery(panicking), "10.0.0.7:1", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	w := serve(mw.Recovery(okHandler()), "10.0.0.7:1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_PassesStatusThrough(t *testing.T) {
	teapot := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := serve(mw.Logger(teapot), "10.0.0.7:1", nil)
	assert.Equal(t, http.StatusTeapot, w.Code)
}
