package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadstub/gateway/internal/router"
)

func TestMiddleware_PerIPRetryAfterOnThirdRequest(t *testing.T) {
	l := New(100, time.Hour)
	defer l.Close()

	policy := Policy{
		IP: CategoryConfig{Enabled: true, Config: Config{WindowMs: 60_000, MaxRequests: 2}},
	}
	mw := Middleware(l, policy, nil, nil)

	rt := router.New()
	rt.Get("/v1/api/functions", func(w http.ResponseWriter, r *http.Request) error {
		return nil
	}, mw)

	newReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/api/functions", nil)
		r.RemoteAddr = "9.9.9.9:1234"
		return r
	}

	w1 := httptest.NewRecorder()
	rt.ServeHTTP(w1, newReq())
	w2 := httptest.NewRecorder()
	rt.ServeHTTP(w2, newReq())
	w3 := httptest.NewRecorder()
	rt.ServeHTTP(w3, newReq())

	assert.Equal(t, http.StatusOK, w1.Code)
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, http.StatusTooManyRequests, w3.Code)
	assert.NotEmpty(t, w3.Header().Get("Retry-After"))
	assert.Equal(t, "2", w3.Header().Get("X-RateLimit-Limit"))
}

func TestMiddleware_BypassPathSkipsLimiting(t *testing.T) {
	l := New(100, time.Hour)
	defer l.Close()

	policy := Policy{
		IP:        CategoryConfig{Enabled: true, Config: Config{WindowMs: 60_000, MaxRequests: 1}},
		BypassSet: map[string]bool{"/health": true},
	}
	mw := Middleware(l, policy, nil, nil)

	rt := router.New()
	rt.Get("/health", func(w http.ResponseWriter, r *http.Request) error { return nil }, mw)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = "1.1.1.1:1"
		rt.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestMiddleware_EndpointEvaluatedBeforeIP(t *testing.T) {
	l := New(100, time.Hour)
	defer l.Close()

	policy := Policy{
		Endpoint: CategoryConfig{Enabled: true, Config: Config{WindowMs: 60_000, MaxRequests: 1}},
		IP:       CategoryConfig{Enabled: true, Config: Config{WindowMs: 60_000, MaxRequests: 100}},
	}
	mw := Middleware(l, policy, nil, nil)

	rt := router.New()
	rt.Get("/v1/invoke", func(w http.ResponseWriter, r *http.Request) error { return nil }, mw)

	newReq := func(ip string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/invoke", nil)
		r.RemoteAddr = ip + ":1"
		return r
	}

	w1 := httptest.NewRecorder()
	rt.ServeHTTP(w1, newReq("1.1.1.1"))
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	rt.ServeHTTP(w2, newReq("2.2.2.2"))
	assert.Equal(t, http.StatusTooManyRequests, w2.Code, "endpoint category is shared across IPs and should deny the 2nd caller")
}
