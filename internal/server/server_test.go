package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/feerouting"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "test",
		LogLevel:           "error",
		LogFormat:          "json",
		StorageBackend:     config.BackendMemory,
		RateLimitRPS:       1000,
		RateLimitBurst:     1000,
		CORSAllowedOrigins: []string{"*"},
		Routing: config.RoutingDefaults{
			MinMixingRounds:         config.DefaultMinMixingRounds,
			MaxMixingRounds:         config.DefaultMaxMixingRounds,
			MinDelayMinutes:         config.DefaultMinDelayMinutes,
			MaxDelayMinutes:         config.DefaultMaxDelayMinutes,
			MaxWalletBalance:        config.DefaultMaxWalletBalance,
			CycleIntervalHours:      config.DefaultCycleIntervalHours,
			CompletionDelaySeconds:  config.DefaultCompletionDelaySeconds,
			RecoveryIntervalSeconds: config.DefaultRecoveryIntervalSeconds,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, WithLogger(logging.Discard()), WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func request(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestRoutingConfig_MatchesDefaults(t *testing.T) {
	assert.Equal(t, feerouting.DefaultRoutingConfig(), routingConfig(testConfig().Routing))
}

func TestNew_RejectsInvalidRouting(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.MinMixingRounds = 9
	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid routing configuration")
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := request(s, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	w = request(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, config.BackendMemory, resp.Storage)
}

func TestMiddleware_RequestIDAndHeaders(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := request(s, http.MethodGet, "/health/live", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodGet, "/escrow/transactions", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	req.Header.Set("Origin", "https://shop.example")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMiddleware_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	s := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, request(s, http.MethodGet, "/fee-routing/status", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, request(s, http.MethodGet, "/fee-routing/status", "").Code)
}

func TestRoutes_EscrowAndFeeRouting(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := request(s, http.MethodPost, "/escrow/create", `{
		"productId":"prod-1","productName":"Widget",
		"buyerId":"buyer-1","buyerUsername":"alice",
		"sellerId":"seller-1","sellerUsername":"bob",
		"amount":250000,"fee":7500}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = request(s, http.MethodGet, "/escrow/transactions?userId=buyer-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = request(s, http.MethodPost, "/fee-routing/route-fee", `{"sourceTransactionId":"tx-1","amount":7500,"vendorId":"V1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, s.feeScheduler.Pending())

	w = request(s, http.MethodGet, "/fee-routing/vendor-summary?vendorId=V1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalFees":7500`)

	w = request(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowd_fees_routed_total")

	w = request(s, http.MethodGet, "/ws/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "connectedClients")
}

func TestPanicRecovery(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.Router().GET("/boom", func(c *gin.Context) { panic("boom") })

	w := request(s, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"an unexpected error occurred","code":"internal_error"}`, w.Body.String())
}

func TestRunAndShutdown(t *testing.T) {
	s := newTestServer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.ready.Load() && s.recoveryTimer.Running()
	}, 2*time.Second, 10*time.Millisecond)

	w := request(s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.False(t, s.ready.Load())
	assert.NoError(t, s.Shutdown(), "second shutdown is a no-op")
}

func TestShutdown_ReturnsRunWithoutCancel(t *testing.T) {
	s := newTestServer(t, testConfig())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return s.ready.Load() && s.recoveryTimer.Running()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.False(t, s.recoveryTimer.Running())
}
