// Package metrics provides Prometheus metrics for docflow.
//
// All recording methods are safe on a nil *Metrics so components can be
// constructed without instrumentation in tests.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jackzampolin/docflow/internal/record"
)

const namespace = "docflow"

// Metrics holds all Prometheus metrics for docflow.
type Metrics struct {
	registry *prometheus.Registry

	// Store metrics
	StoreUpdatesTotal   *prometheus.CounterVec
	StoreUpdateDuration *prometheus.HistogramVec
	StoreRetriesTotal   *prometheus.CounterVec

	// Operation metrics
	OperationsTotal *prometheus.CounterVec

	// Batch metrics
	BatchItemsTotal *prometheus.CounterVec

	// Baseline metrics
	BaselineJobsTotal    *prometheus.CounterVec
	BaselineJobsInFlight prometheus.Gauge

	// Executor metrics
	ExecutorSignalsTotal *prometheus.CounterVec

	// Server metrics
	ServerStartTime time.Time
}

// New creates and registers all metrics on a private registry, together
// with the standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:        reg,
		ServerStartTime: time.Now(),
	}

	m.StoreUpdatesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_updates_total",
			Help:      "Total versioned record updates by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	m.StoreUpdateDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_update_duration_seconds",
			Help:      "Duration of a full read-modify-write loop including retries",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	m.StoreRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Retries caused by version conflicts or attempt timeouts",
		},
		[]string{"op"},
	)

	m.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Coordination operations by name and error class",
		},
		[]string{"op", "result"},
	)

	m.BatchItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Per-document outcomes of batch operations",
		},
		[]string{"op", "outcome"},
	)

	m.BaselineJobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "baseline_jobs_total",
			Help:      "Baseline copy jobs by final state",
		},
		[]string{"state"},
	)

	m.BaselineJobsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_jobs_in_flight",
			Help:      "Baseline copy jobs dispatched but not yet reported",
		},
	)

	m.ExecutorSignalsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_signals_total",
			Help:      "Resume and cancel signals sent to the pipeline executor",
		},
		[]string{"signal", "outcome"},
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordUpdate records a finished read-modify-write loop.
func (m *Metrics) RecordUpdate(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreUpdatesTotal.WithLabelValues(op, outcome(err)).Inc()
	m.StoreUpdateDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRetry counts one retry of op.
func (m *Metrics) RecordRetry(op string) {
	if m == nil {
		return
	}
	m.StoreRetriesTotal.WithLabelValues(op).Inc()
}

// RecordOperation counts a coordination operation by error class.
func (m *Metrics) RecordOperation(op string, err error) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, Classify(err)).Inc()
}

// RecordBatchItem counts one document outcome of a batch operation.
func (m *Metrics) RecordBatchItem(op string, err error) {
	if m == nil {
		return
	}
	m.BatchItemsTotal.WithLabelValues(op, outcome(err)).Inc()
}

// BaselineStarted marks a copy job dispatched.
func (m *Metrics) BaselineStarted() {
	if m == nil {
		return
	}
	m.BaselineJobsInFlight.Inc()
}

// BaselineFinished records a copy job's final state.
func (m *Metrics) BaselineFinished(state record.BaselineState) {
	if m == nil {
		return
	}
	m.BaselineJobsInFlight.Dec()
	m.BaselineJobsTotal.WithLabelValues(string(state)).Inc()
}

// RecordSignal counts a pipeline executor signal.
func (m *Metrics) RecordSignal(signal string, err error) {
	if m == nil {
		return
	}
	m.ExecutorSignalsTotal.WithLabelValues(signal, outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

var classes = []struct {
	err  error
	name string
}{
	{record.ErrNotFound, "not_found"},
	{record.ErrAlreadyExists, "already_exists"},
	{record.ErrAlreadyClaimed, "already_claimed"},
	{record.ErrNotOwner, "not_owner"},
	{record.ErrUnknownSection, "unknown_section"},
	{record.ErrInvalidPayload, "invalid_payload"},
	{record.ErrAlreadyInProgress, "already_in_progress"},
	{record.ErrTerminalState, "terminal_state"},
	{record.ErrAlreadyTerminal, "already_terminal"},
	{record.ErrInvalidStep, "invalid_step"},
	{record.ErrInvalidTransition, "invalid_transition"},
	{record.ErrClaimFailed, "claim_failed"},
	{record.ErrOperationFailed, "operation_failed"},
}

// Classify maps an operation error to a low-cardinality label value.
func Classify(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "internal"
}
