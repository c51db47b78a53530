package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndExpose(t *testing.T) {
	m := New()

	m.RecordAllocation("FIFO", false, 0.01)
	m.RecordAllocation("FIFO", true, 0.01)
	m.RecordVariance("UNKNOWN_ENTRY", "MANUAL_REQUIRED")
	m.RecordHandoff("EMERGENCY_STOP", "COMPLETED", 3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.UnallocatedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AllocationsTotal.WithLabelValues("FIFO", "true")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.OrdersCancelledTotal))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconciler_variance_reconciled_total")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAllocation("FIFO", true, 0)
		m.RecordCaseEvent("case_created")
		m.RecordTransferBatch("VARIANCE", "COMPLETED")
		m.RecordTransferInstruction("SPLIT", true)
		m.RecordDownstreamCall("directory", "ok", 0.1)
		m.RecordJobRun("expire_stale_cases", true)
		m.RecordJobSkip("expire_stale_cases")
	})
}

func TestNew_IndependentRegistries(t *testing.T) {
	// Separate instances must not collide on registration
	assert.NotPanics(t, func() {
		_ = New()
		_ = New()
	})
}
