package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/reconciler/internal/config"
	"github.com/aristath/reconciler/internal/di"
	testutil "github.com/aristath/reconciler/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *di.Container) {
	t.Helper()

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Port:    8002,
		Variance: config.VarianceConfig{
			Threshold:        decimal.RequireFromString("0.01"),
			RoundingFloor:    decimal.NewFromInt(1),
			ExternalLookback: 24 * time.Hour,
		},
		Cases: config.CaseConfig{
			HighValueThreshold: decimal.NewFromInt(100000),
			LowValueThreshold:  decimal.NewFromInt(1000),
			HighPositionCount:  5,
			ExpireAfter:        72 * time.Hour,
			ExpirySchedule:     "@every 15m",
			ApplyClaimTimeout:  10 * time.Minute,
		},
		Handoff: config.HandoffConfig{StalenessWindow: 5 * time.Minute},
		Downstream: config.DownstreamConfig{
			DirectoryURL:     "http://127.0.0.1:1",
			ScriptServiceURL: "http://127.0.0.1:1",
			Timeout:          time.Second,
		},
	}

	log := zerolog.New(nil).Level(zerolog.Disabled)
	container, _, err := di.Wire(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { container.Close() })

	return New(Config{Log: log, Port: cfg.Port, DevMode: true, Container: container}), container
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Database)
	assert.Equal(t, "closed", resp.Downstream["directory"])
	assert.Equal(t, "closed", resp.Downstream["script-service"])
}

func TestServer_HealthUnhealthyWhenLedgerClosed(t *testing.T) {
	s, container := newTestServer(t)
	require.NoError(t, container.LedgerDB.Close())

	rec := serve(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_MountsModuleRoutes(t *testing.T) {
	s, container := newTestServer(t)
	testutil.SeedPositions(t, container.LedgerDB.Conn(), testutil.NewFIFOFixtures()...)

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
	}{
		{"handoff state", http.MethodGet, "/api/handoff/state?trading_account_id=acct-1", "", http.StatusOK},
		{"handoff state missing account", http.MethodGet, "/api/handoff/state", "", http.StatusBadRequest},
		{"case list", http.MethodGet, "/api/cases/", "", http.StatusOK},
		{"unknown case", http.MethodGet, "/api/cases/no-such-case", "", http.StatusNotFound},
		{"unknown transfer", http.MethodGet, "/api/transfers/no-such-batch", "", http.StatusNotFound},
		{"unknown variance", http.MethodGet, "/api/variances/no-such-variance", "", http.StatusNotFound},
		{
			"fifo attribution",
			http.MethodPost,
			"/api/attribution/exits",
			`{"trading_account_id":"acct-1","symbol":"AAPL","exit_quantity":"120","method":"FIFO"}`,
			http.StatusOK,
		},
		{"unknown route", http.MethodGet, "/api/nothing-here", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/cases/", nil)
	req.Header.Set("Origin", "http://operator.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
