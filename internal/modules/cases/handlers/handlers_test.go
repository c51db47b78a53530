package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/modules/cases"
	"github.com/aristath/reconciler/internal/modules/positions"
	"github.com/aristath/reconciler/internal/modules/transfers"
	testutil "github.com/aristath/reconciler/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	router  http.Handler
	manager *cases.Manager
	caseID  string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)
	fifo := testutil.NewFIFOFixtures()
	testutil.SeedPositions(t, db.Conn(), fifo...)

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	directory := testutil.NewStaticDirectory()
	positionRepo := positions.NewPositionRepository(db.Conn(), logger)
	executor := transfers.NewExecutor(db.Conn(), positionRepo, transfers.NewBatchRepository(db.Conn(), logger), directory, nil, logger)
	manager := cases.NewManager(db.Conn(), cases.NewRepository(db.Conn(), logger), executor, directory, cases.DefaultSettings(), nil, logger)

	caseID, err := manager.CreateCase(context.Background(), cases.CreateCaseRequest{
		TradingAccountID:  testutil.TestAccount,
		Symbol:            testutil.TestSymbol,
		ExitQuantity:      testutil.Dec("60"),
		ExitPrice:         testutil.Dec("155"),
		AffectedPositions: fifo,
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(manager, logger).RegisterRoutes(r)
	return &fixture{router: r, manager: manager, caseID: caseID}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return w, response
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	f := setup(t)
	base := "/cases/" + f.caseID

	w, _ := f.do(t, "POST", base+"/apply", `{"applied_by":"bob"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = f.do(t, "POST", base+"/assign", `{"assignee":"alice","assigned_by":"lead"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, response := f.do(t, "POST", base+"/resolve",
		`{"decision_maker":"alice","allocation_decisions":[{"position_id":"pos-1","quantity":"50"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, response["error"], "does not match exit quantity")

	w, _ = f.do(t, "POST", base+"/resolve",
		`{"decision_maker":"alice","allocation_decisions":[{"position_id":"pos-1","quantity":"60"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, response = f.do(t, "POST", base+"/apply", `{"applied_by":"bob"}`)
	require.Equal(t, http.StatusOK, w.Code)
	data := response["data"].(map[string]interface{})
	assert.Equal(t, true, data["applied"])
	assert.Equal(t, string(domain.CaseStatusApplied), data["case"].(map[string]interface{})["status"])

	// Second apply is a no-op
	w, response = f.do(t, "POST", base+"/apply", `{"applied_by":"bob"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, response["data"].(map[string]interface{})["applied"])

	w, response = f.do(t, "GET", base+"/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, len(response["data"].([]interface{})), 4)
}

func TestHandleListCases(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name     string
		query    string
		expected int
	}{
		{"default open statuses", "", 1},
		{"by account", "?trading_account_id=acct-1", 1},
		{"other account", "?trading_account_id=acct-2", 0},
		{"resolved only", "?status=RESOLVED", 0},
		{"several statuses", "?status=PENDING,IN_PROGRESS", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, response := f.do(t, "GET", "/cases/"+tt.query, "")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Len(t, response["data"], tt.expected)
		})
	}
}

func TestHandleListCases_RejectsBadFilters(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name    string
		query   string
		message string
	}{
		{"unknown status", "?status=DONE", "DONE"},
		{"one bad status in a list", "?status=PENDING,bogus", "bogus"},
		{"unknown priority", "?priority=URGENT", "URGENT"},
		{"lowercase priority", "?priority=high", "high"},
		{"non-numeric limit", "?limit=ten", "limit must be a positive integer"},
		{"zero limit", "?limit=0", "limit must be a positive integer"},
		{"negative limit", "?limit=-5", "limit must be a positive integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, response := f.do(t, "GET", "/cases/"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, response["error"], tt.message)
		})
	}
}

func TestHandleCreateAndGetCase(t *testing.T) {
	f := setup(t)

	w, response := f.do(t, "POST", "/cases/",
		`{"trading_account_id":"acct-1","symbol":"msft","case_type":"ENTRY","exit_quantity":"5","exit_price":"400"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	caseID := response["data"].(map[string]interface{})["case_id"].(string)

	w, response = f.do(t, "GET", "/cases/"+caseID, "")
	require.Equal(t, http.StatusOK, w.Code)
	c := response["data"].(map[string]interface{})
	assert.Equal(t, "MSFT", c["symbol"])
	assert.Equal(t, "ENTRY", c["case_type"])
	assert.Equal(t, "PENDING", c["status"])

	w, _ = f.do(t, "POST", "/cases/", `{"symbol":"MSFT","exit_quantity":"5"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, "GET", "/cases/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, "POST", "/cases/missing/assign", `{"assignee":"alice"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
