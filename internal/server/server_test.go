package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelmarket/escrowd/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:              "8080",
		Env:               "test",
		LogLevel:          "error",
		AutoReleaseHours:  336,
		FeePercent:        1,
		SweepInterval:     time.Minute,
		SweepBatchSize:    100,
		QuorumThreshold:   10,
		SettlementBackend: config.BackendLedger,
		SettlementTimeout: 5 * time.Second,
		AllowedOrigins:    []string{"*"},
		RateLimitRPM:      10000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	require.NoError(t, err)
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips on only after Run starts.
	w = doRequest(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "escrowd", body["name"])
	assert.Equal(t, config.BackendLedger, body["settlement"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowd_")
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health/live", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "test-id-123")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "test-id-123", rec.Header().Get("X-Request-ID"))
}

func TestEscrowLifecycleThroughRouter(t *testing.T) {
	s := newTestServer(t)

	const buyer = "0x1111111111111111111111111111111111111111"
	const seller = "0x2222222222222222222222222222222222222222"

	w := doRequest(t, s, http.MethodPost, "/escrow/create-multi-seller", map[string]interface{}{
		"orderId":      "ord-1001",
		"buyerAddress": buyer,
		"orderTotal":   "60",
		"sellerGroups": []map[string]interface{}{
			{"sellerId": "grp-1", "sellerAddress": seller, "totalAmount": "60"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var env struct {
		Success bool `json:"success"`
		Data    struct {
			EscrowGroups []struct {
				ID string `json:"id"`
			} `json:"escrowGroups"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.True(t, env.Success)
	require.Len(t, env.Data.EscrowGroups, 1)
	escrowID := env.Data.EscrowGroups[0].ID

	w = doRequest(t, s, http.MethodGet, "/escrow/contract/"+escrowID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodPost, "/escrow/release/"+escrowID, map[string]interface{}{
		"buyerAddress": buyer,
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestDisputeRoutesWired(t *testing.T) {
	s := newTestServer(t)

	// Opening a dispute on an unknown escrow goes through the dispute
	// handler and comes back as a structured 404.
	w := doRequest(t, s, http.MethodPost, "/escrow/dispute/esc_missing", map[string]interface{}{
		"reason":           "never arrived",
		"disputantAddress": "0x1111111111111111111111111111111111111111",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, false, env["success"])
	assert.Equal(t, "not_found", env["error"])
}

func TestNotifyRoutesWired(t *testing.T) {
	s := newTestServer(t)

	const wallet = "0x1111111111111111111111111111111111111111"
	w := doRequest(t, s, http.MethodPost, "/notify/subscriptions/"+wallet, map[string]interface{}{
		"url": "https://example.com/hook",
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Shutdown())
}
