// Package metrics exposes Prometheus instrumentation for the publisher and
// ingestor.
//
// Each process builds one Metrics value with its own registry, so tests can
// create as many as they like without colliding on the global default
// registry. Every method is safe to call on a nil *Metrics, which lets
// components treat instrumentation as optional.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query failure kinds used as the "kind" label.
const (
	FailureNoData   = "no_data"
	FailureTimeout  = "timeout"
	FailureIO       = "io"
	FailureNotReady = "not_connected"
)

// Drop reasons used as the "reason" label.
const (
	DropOverflow  = "overflow"
	DropExhausted = "retries_exhausted"
	DropQueueFull = "queue_full"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	cycles           prometheus.Counter
	recordsPublished prometheus.Counter
	recordsEmpty     prometheus.Counter
	publishErrors    prometheus.Counter
	queryFailures    *prometheus.CounterVec
	adapterConnects  *prometheus.CounterVec
	adapterState     prometheus.Gauge

	messages         prometheus.Counter
	messagesInvalid  prometheus.Counter
	messagesDropped  prometheus.Counter
	fieldsSkipped    prometheus.Counter
	pointsWritten    prometheus.Counter
	pointsDropped    *prometheus.CounterVec
	flushFailures    prometheus.Counter
	bufferedPoints   prometheus.Gauge
	flushLatency     prometheus.Histogram
	deadLetterStored prometheus.Counter
}

// New creates a Metrics value with a private registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obd_cycles_total",
			Help: "Acquisition cycles started.",
		}),
		recordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obd_records_published_total",
			Help: "Telemetry records handed to the transport.",
		}),
		recordsEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obd_records_empty_total",
			Help: "Cycles that produced no readings and were not published.",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obd_publish_errors_total",
			Help: "Records dropped because the transport rejected them.",
		}),
		queryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obd_query_failures_total",
			Help: "Adapter queries that produced no reading, by kind.",
		}, []string{"kind"}),
		adapterConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obd_adapter_connects_total",
			Help: "Adapter connect attempts, by result.",
		}, []string{"result"}),
		adapterState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obd_adapter_state",
			Help: "Adapter connection state (0 disconnected, 1 connecting, 2 connected, 3 faulted).",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Transport messages received by the ingestor.",
		}),
		messagesInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_messages_malformed_total",
			Help: "Messages discarded because they could not be parsed.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_messages_dropped_total",
			Help: "Messages discarded because the inbound queue was full.",
		}),
		fieldsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_fields_skipped_total",
			Help: "Individual fields skipped because they were not integer-coercible.",
		}),
		pointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_points_written_total",
			Help: "Points committed to storage.",
		}),
		pointsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_points_dropped_total",
			Help: "Points lost before reaching storage, by reason.",
		}, []string{"reason"}),
		flushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_flush_failures_total",
			Help: "Failed storage write attempts.",
		}),
		bufferedPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_buffered_points",
			Help: "Points waiting in the batch writer.",
		}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_flush_duration_seconds",
			Help:    "Duration of successful storage writes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		deadLetterStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_dead_letter_points_total",
			Help: "Points persisted to the local dead-letter store.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.recordsPublished, m.recordsEmpty, m.publishErrors,
		m.queryFailures, m.adapterConnects, m.adapterState,
		m.messages, m.messagesInvalid, m.messagesDropped, m.fieldsSkipped,
		m.pointsWritten, m.pointsDropped, m.flushFailures,
		m.bufferedPoints, m.flushLatency, m.deadLetterStored,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ============================================================================
// Acquisition
// ============================================================================

func (m *Metrics) CycleStarted() {
	if m != nil {
		m.cycles.Inc()
	}
}

func (m *Metrics) RecordPublished() {
	if m != nil {
		m.recordsPublished.Inc()
	}
}

func (m *Metrics) RecordEmpty() {
	if m != nil {
		m.recordsEmpty.Inc()
	}
}

func (m *Metrics) PublishFailed() {
	if m != nil {
		m.publishErrors.Inc()
	}
}

// QueryFailed counts a query that produced no reading.
func (m *Metrics) QueryFailed(kind string) {
	if m != nil {
		m.queryFailures.WithLabelValues(kind).Inc()
	}
}

// AdapterConnect counts a connect attempt; ok selects the result label.
func (m *Metrics) AdapterConnect(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.adapterConnects.WithLabelValues(result).Inc()
}

func (m *Metrics) SetAdapterState(state int) {
	if m != nil {
		m.adapterState.Set(float64(state))
	}
}

// ============================================================================
// Ingestion
// ============================================================================

func (m *Metrics) MessageReceived() {
	if m != nil {
		m.messages.Inc()
	}
}

func (m *Metrics) MessageMalformed() {
	if m != nil {
		m.messagesInvalid.Inc()
	}
}

// MessageDropped counts a message lost to a full inbound queue.
func (m *Metrics) MessageDropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

func (m *Metrics) FieldsSkipped(n int) {
	if m != nil && n > 0 {
		m.fieldsSkipped.Add(float64(n))
	}
}

func (m *Metrics) PointsWritten(n int) {
	if m != nil && n > 0 {
		m.pointsWritten.Add(float64(n))
	}
}

// PointsDropped counts lost points under one of the Drop* reasons.
func (m *Metrics) PointsDropped(reason string, n int) {
	if m != nil && n > 0 {
		m.pointsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) FlushFailed() {
	if m != nil {
		m.flushFailures.Inc()
	}
}

func (m *Metrics) SetBufferedPoints(n int) {
	if m != nil {
		m.bufferedPoints.Set(float64(n))
	}
}

func (m *Metrics) ObserveFlush(seconds float64) {
	if m != nil {
		m.flushLatency.Observe(seconds)
	}
}

func (m *Metrics) DeadLettered(n int) {
	if m != nil && n > 0 {
		m.deadLetterStored.Add(float64(n))
	}
}
