package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDirectoryServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/executions/exec-a", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"strategy_id":  "strat-momentum",
			"portfolio_id": "pf-main",
			"execution_id": "exec-a",
		})
	})
	mux.HandleFunc("/accounts/acct-1/manual-owner", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"strategy_id":  "strat-manual",
			"portfolio_id": "pf-manual",
			"execution_id": "exec-manual",
		})
	})
	mux.HandleFunc("/accounts/acct-1/strategies/strat-meanrev/execution", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"strategy_id":  "strat-meanrev",
			"portfolio_id": "pf-main",
			"execution_id": "exec-b",
		})
	})
	mux.HandleFunc("/executions/broken", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(url string, cache Cache) *Client {
	return NewClient(url, time.Second, cache, DefaultBreakerSettings(), nil, zerolog.Nop())
}

func TestClient_Lookups(t *testing.T) {
	var calls int32
	server := newDirectoryServer(t, &calls)
	client := newTestClient(server.URL, NoCache{})
	ctx := context.Background()

	owner, err := client.LookupExecution(ctx, "exec-a")
	require.NoError(t, err)
	assert.Equal(t, domain.Ownership{StrategyID: "strat-momentum", PortfolioID: "pf-main", ExecutionID: "exec-a"}, owner)

	manual, err := client.DefaultManualOwner(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-manual", manual.ExecutionID)

	resolved, err := client.ResolveExecutionForStrategy(ctx, "acct-1", "strat-meanrev")
	require.NoError(t, err)
	assert.Equal(t, "exec-b", resolved.ExecutionID)

	// Without a cache every call reaches the service
	_, err = client.LookupExecution(ctx, "exec-a")
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestClient_CachesResolvedOwners(t *testing.T) {
	var calls int32
	server := newDirectoryServer(t, &calls)
	cache := NewTTLCache(time.Minute, maxCacheEntries)
	client := newTestClient(server.URL, cache)

	for i := 0; i < 3; i++ {
		_, err := client.LookupExecution(context.Background(), "exec-a")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, cache.Len())
}

func TestClient_NotFound(t *testing.T) {
	var calls int32
	server := newDirectoryServer(t, &calls)
	client := newTestClient(server.URL, NewTTLCache(time.Minute, maxCacheEntries))

	_, err := client.LookupExecution(context.Background(), "exec-unknown")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
	assert.False(t, domain.IsServiceUnavailable(err))

	// Unknown executions do not trip the breaker
	assert.Equal(t, "closed", client.BreakerState())
}

func TestClient_ServiceUnavailableOpensBreaker(t *testing.T) {
	var calls int32
	server := newDirectoryServer(t, &calls)
	client := newTestClient(server.URL, NoCache{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := client.LookupExecution(ctx, "broken")
		require.Error(t, err)
		assert.True(t, domain.IsServiceUnavailable(err))
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, "open", client.BreakerState())

	// An open breaker fails fast without calling the service
	_, err := client.LookupExecution(ctx, "exec-a")
	assert.True(t, domain.IsServiceUnavailable(err))
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestClient_UnreachableService(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := newTestClient(url, NoCache{})
	_, err := client.DefaultManualOwner(context.Background(), "acct-1")
	require.Error(t, err)
	assert.True(t, domain.IsServiceUnavailable(err))
}

func TestScriptClient(t *testing.T) {
	var received []executionCommand
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd executionCommand
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		received = append(received, cmd)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	client := NewScriptClient(server.URL, time.Second, DefaultBreakerSettings(), nil, zerolog.Nop())
	scope := domain.HandoffScope{TradingAccountID: "acct-1", StrategyID: "strat-momentum"}

	require.NoError(t, client.StartExecution(context.Background(), scope))
	require.NoError(t, client.StopExecution(context.Background(), scope, true))

	require.Len(t, received, 2)
	assert.Equal(t, []string{"/executions/start", "/executions/stop"}, paths)
	assert.False(t, received[0].Emergency)
	assert.True(t, received[1].Emergency)
	assert.Equal(t, "strat-momentum", received[1].StrategyID)
}

func TestScriptClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client := NewScriptClient(server.URL, time.Second, DefaultBreakerSettings(), nil, zerolog.Nop())
	err := client.StopExecution(context.Background(), domain.HandoffScope{TradingAccountID: "acct-1"}, false)
	require.Error(t, err)
	assert.True(t, domain.IsServiceUnavailable(err))
}
