// Package metrics provides Prometheus metrics for the reconciliation engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reconciler"

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing, so components can be
// built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Attribution metrics
	AllocationsTotal   *prometheus.CounterVec
	UnallocatedTotal   prometheus.Counter
	AllocationDuration prometheus.Histogram

	// Variance metrics
	VariancesTotal *prometheus.CounterVec

	// Case metrics
	CaseEventsTotal *prometheus.CounterVec

	// Transfer metrics
	TransferBatchesTotal      *prometheus.CounterVec
	TransferInstructionsTotal *prometheus.CounterVec

	// Handoff metrics
	HandoffTransitionsTotal *prometheus.CounterVec
	OrdersCancelledTotal    prometheus.Counter

	// Downstream metrics
	DownstreamCallsTotal  *prometheus.CounterVec
	DownstreamCallLatency *prometheus.HistogramVec

	// Scheduler metrics
	JobRunsTotal  *prometheus.CounterVec
	JobSkipsTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AllocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attribution",
			Name:      "allocations_total",
			Help:      "Total number of partial-exit attributions by method and completeness",
		}, []string{"method", "complete"}),
		UnallocatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attribution",
			Name:      "requires_manual_total",
			Help:      "Total number of attributions that left quantity unallocated",
		}),
		AllocationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "attribution",
			Name:      "duration_seconds",
			Help:      "Attribution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		VariancesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "variance",
			Name:      "reconciled_total",
			Help:      "Total number of reconciled holdings variances by type and resolution",
		}, []string{"variance_type", "resolution"}),

		CaseEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cases",
			Name:      "events_total",
			Help:      "Total number of manual attribution case events",
		}, []string{"event"}),

		TransferBatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "batches_total",
			Help:      "Total number of transfer batches by trigger and final status",
		}, []string{"trigger", "status"}),
		TransferInstructionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "instructions_total",
			Help:      "Total number of executed transfer instructions by operation and outcome",
		}, []string{"operation", "success"}),

		HandoffTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "transitions_total",
			Help:      "Total number of handoff transitions by type and status",
		}, []string{"transition_type", "status"}),
		OrdersCancelledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "orders_cancelled_total",
			Help:      "Total number of pending orders cancelled by handoff transitions",
		}),

		DownstreamCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downstream",
			Name:      "calls_total",
			Help:      "Total number of calls to sibling services by outcome",
		}, []string{"service", "outcome"}),
		DownstreamCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "downstream",
			Name:      "call_latency_seconds",
			Help:      "Sibling service call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),

		JobRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total number of background job runs by job and outcome",
		}, []string{"job", "success"}),
		JobSkipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_skips_total",
			Help:      "Total number of ticks skipped because the previous run was still going",
		}, []string{"job"}),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAllocation records one attribution run.
func (m *Metrics) RecordAllocation(method string, complete bool, seconds float64) {
	if m == nil {
		return
	}
	m.AllocationsTotal.WithLabelValues(method, boolLabel(complete)).Inc()
	if !complete {
		m.UnallocatedTotal.Inc()
	}
	m.AllocationDuration.Observe(seconds)
}

// RecordVariance records a reconciled variance.
func (m *Metrics) RecordVariance(varianceType, resolution string) {
	if m == nil {
		return
	}
	m.VariancesTotal.WithLabelValues(varianceType, resolution).Inc()
}

// RecordCaseEvent records a case lifecycle event.
func (m *Metrics) RecordCaseEvent(event string) {
	if m == nil {
		return
	}
	m.CaseEventsTotal.WithLabelValues(event).Inc()
}

// RecordTransferBatch records a finished transfer batch.
func (m *Metrics) RecordTransferBatch(trigger, status string) {
	if m == nil {
		return
	}
	m.TransferBatchesTotal.WithLabelValues(trigger, status).Inc()
}

// RecordTransferInstruction records one executed instruction.
func (m *Metrics) RecordTransferInstruction(operation string, success bool) {
	if m == nil {
		return
	}
	m.TransferInstructionsTotal.WithLabelValues(operation, boolLabel(success)).Inc()
}

// RecordHandoff records a finished handoff transition.
func (m *Metrics) RecordHandoff(transitionType, status string, ordersCancelled int) {
	if m == nil {
		return
	}
	m.HandoffTransitionsTotal.WithLabelValues(transitionType, status).Inc()
	m.OrdersCancelledTotal.Add(float64(ordersCancelled))
}

// RecordDownstreamCall records a call to a sibling service.
func (m *Metrics) RecordDownstreamCall(service, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.DownstreamCallsTotal.WithLabelValues(service, outcome).Inc()
	m.DownstreamCallLatency.WithLabelValues(service).Observe(seconds)
}

// RecordJobRun records one background job execution.
func (m *Metrics) RecordJobRun(job string, success bool) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, boolLabel(success)).Inc()
}

// RecordJobSkip records a tick skipped while the job was still running.
func (m *Metrics) RecordJobSkip(job string) {
	if m == nil {
		return
	}
	m.JobSkipsTotal.WithLabelValues(job).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
