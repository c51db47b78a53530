package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aristath/reconciler/internal/modules/positions"
	"github.com/aristath/reconciler/internal/modules/transfers"
	testutil "github.com/aristath/reconciler/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)
	testutil.SeedPositions(t, db.Conn(), testutil.NewFIFOFixtures()...)

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	positionRepo := positions.NewPositionRepository(db.Conn(), logger)
	executor := transfers.NewExecutor(db.Conn(), positionRepo, transfers.NewBatchRepository(db.Conn(), logger), testutil.NewStaticDirectory(), nil, logger)

	r := chi.NewRouter()
	NewHandler(executor, logger).RegisterRoutes(r)
	return r
}

func serve(t *testing.T, router http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return w, response
}

func TestHandleManualTransfer(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		validate       func(*testing.T, map[string]interface{})
	}{
		{
			name: "split to another execution",
			body: `{"case_id":"case-9","executed_by":"alice","instructions":[
				{"source_position_id":"pos-1","source_execution_id":"exec-a","target_execution_id":"exec-b",
				 "trading_account_id":"acct-1","symbol":"AAPL","quantity":"60"}]}`,
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, response map[string]interface{}) {
				data := response["data"].(map[string]interface{})
				assert.Equal(t, "COMPLETED", data["status"])
				assert.Equal(t, "60", data["total_quantity_transferred"])
			},
		},
		{
			name: "insufficient quantity is reported in the batch",
			body: `{"executed_by":"alice","instructions":[
				{"source_position_id":"pos-2","source_execution_id":"exec-a","target_execution_id":"exec-b",
				 "trading_account_id":"acct-1","symbol":"AAPL","quantity":"500"}]}`,
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, response map[string]interface{}) {
				data := response["data"].(map[string]interface{})
				assert.Equal(t, "FAILED", data["status"])
				assert.EqualValues(t, 1, data["failed_count"])
			},
		},
		{
			name:           "missing executed_by",
			body:           `{"instructions":[]}`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter(t)
			w, response := serve(t, router, "POST", "/transfers/manual", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.validate != nil {
				tt.validate(t, response)
			}
		})
	}
}

func TestHandleGetBatch(t *testing.T) {
	router := setupRouter(t)

	_, response := serve(t, router, "POST", "/transfers/manual", `{"executed_by":"alice","instructions":[
		{"source_position_id":"pos-2","source_execution_id":"exec-a","target_execution_id":"exec-b",
		 "trading_account_id":"acct-1","symbol":"AAPL","quantity":"50"}]}`)
	transferID := response["data"].(map[string]interface{})["transfer_id"].(string)

	w, response := serve(t, router, "GET", "/transfers/"+transferID, "")
	require.Equal(t, http.StatusOK, w.Code)
	batch := response["data"].(map[string]interface{})
	assert.Equal(t, "alice", batch["executed_by"])
	assert.Len(t, batch["executions"], 1)

	w, _ = serve(t, router, "GET", "/transfers/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAttributionTransfer_RejectsEmptyAllocation(t *testing.T) {
	router := setupRouter(t)
	w, _ := serve(t, router, "POST", "/transfers/attribution", `{"executed_by":"system"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
