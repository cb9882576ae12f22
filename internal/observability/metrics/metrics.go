// Package metrics exposes Prometheus collectors for the transaction flow
// pipeline. A single Metrics struct is injected into components that need
// to record measurements; the /metrics endpoint is served by the API layer.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"TxFlow-Chain/internal/event"
)

// Metrics holds all Prometheus collectors for the daemon.
type Metrics struct {
	flowsCreatedTotal     *prometheus.CounterVec
	flowsCompletedTotal   *prometheus.CounterVec
	flowsFailedTotal      *prometheus.CounterVec
	flowsCancelledTotal   prometheus.Counter
	flowDuration          *prometheus.HistogramVec
	gasUsed               prometheus.Histogram
	queueDepth            prometheus.Gauge
	broadcastRetriesTotal *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	httpRequestsTotal     *prometheus.CounterVec
}

// New creates a Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		flowsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txflow_flows_created_total",
				Help: "Total number of transaction flows created, by request type",
			},
			[]string{"type"},
		),
		flowsCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txflow_flows_completed_total",
				Help: "Total number of flows that reached on-chain confirmation",
			},
			[]string{"type"},
		),
		flowsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txflow_flows_failed_total",
				Help: "Total number of failed flows, by error code",
			},
			[]string{"code"},
		),
		flowsCancelledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "txflow_flows_cancelled_total",
				Help: "Total number of cancelled flows",
			},
		),
		flowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txflow_flow_duration_seconds",
				Help:    "Time from flow creation to terminal state",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		gasUsed: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "txflow_gas_used",
				Help:    "Gas consumed by confirmed transactions",
				Buckets: []float64{21000, 50000, 100000, 200000, 300000, 500000, 1000000},
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "txflow_queue_depth",
				Help: "Number of requests waiting in the transaction queue",
			},
		),
		broadcastRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txflow_broadcast_retries_total",
				Help: "Total number of flow retries, by triggering error code",
			},
			[]string{"code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txflow_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"method", "path"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txflow_http_requests_total",
				Help: "Total number of HTTP requests, by method, path and status",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// RecordFlowCreated increments the creation counter for a request type.
func (m *Metrics) RecordFlowCreated(reqType string) {
	m.flowsCreatedTotal.WithLabelValues(reqType).Inc()
}

// RecordFlowCompleted records a successful flow and its gas consumption.
func (m *Metrics) RecordFlowCompleted(reqType string, duration time.Duration, gasUsed uint64) {
	m.flowsCompletedTotal.WithLabelValues(reqType).Inc()
	m.flowDuration.WithLabelValues("completed").Observe(duration.Seconds())
	if gasUsed > 0 {
		m.gasUsed.Observe(float64(gasUsed))
	}
}

// RecordFlowFailed records a failed flow by error code.
func (m *Metrics) RecordFlowFailed(code string, duration time.Duration) {
	m.flowsFailedTotal.WithLabelValues(code).Inc()
	m.flowDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordFlowCancelled records a cancelled flow.
func (m *Metrics) RecordFlowCancelled() {
	m.flowsCancelledTotal.Inc()
}

// RecordRetry records a retry attempt by triggering error code.
func (m *Metrics) RecordRetry(code string) {
	m.broadcastRetriesTotal.WithLabelValues(code).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveBus subscribes to lifecycle events and translates them into
// collector updates. It returns when the context of the bus closes the
// subscription channel.
func (m *Metrics) ObserveBus(bus *event.Bus) {
	sub := bus.Subscribe(
		event.TopicFlowCreated,
		event.TopicFlowCompleted,
		event.TopicFlowFailed,
		event.TopicFlowCancelled,
	)
	go func() {
		for evt := range sub.C() {
			switch evt.Topic {
			case event.TopicFlowCreated:
				m.RecordFlowCreated(fieldString(evt.Fields, "type"))
			case event.TopicFlowCompleted:
				m.flowsCompletedTotal.WithLabelValues(fieldString(evt.Fields, "type")).Inc()
			case event.TopicFlowFailed:
				m.flowsFailedTotal.WithLabelValues(fieldString(evt.Fields, "code")).Inc()
			case event.TopicFlowCancelled:
				m.RecordFlowCancelled()
			}
		}
	}()
}

func fieldString(fields map[string]any, key string) string {
	if fields == nil {
		return "unknown"
	}
	value, ok := fields[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}
