// Package metrics exposes Prometheus counters and histograms for the
// pump server's HTTP surface, the mongostore backing calls, and the
// broker/context/KMS activity inside each pumped mongocrypt.Context,
// carried forward from the teacher's internal/metrics regardless of the
// core's Non-goals (SPEC_FULL.md §4.3: Stats() is "a read-only
// observability hook, not a change to broker semantics").
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec
	storeOperationErrors   *prometheus.CounterVec

	contextsTotal   *prometheus.CounterVec
	contextDuration *prometheus.HistogramVec
	contextErrors   *prometheus.CounterVec

	kmsRoundTripsTotal   *prometheus.CounterVec
	kmsRoundTripDuration *prometheus.HistogramVec

	brokerEntriesRequested prometheus.Gauge
	brokerEntriesResolved  prometheus.Gauge

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a new metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry)
}

// newMetricsWithRegistry creates a new metrics instance with a custom
// registry (for testing, so repeated test runs don't collide on the
// default registerer).
func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"method", "path", "status"},
		),
		storeOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "mongostore_operations_total", Help: "Total number of mongostore operations"},
			[]string{"operation"},
		),
		storeOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "mongostore_operation_duration_seconds", Help: "mongostore operation duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"operation"},
		),
		storeOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "mongostore_operation_errors_total", Help: "Total number of mongostore operation errors"},
			[]string{"operation"},
		),
		contextsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "mongocrypt_contexts_total", Help: "Total number of pumped contexts"},
			[]string{"variant"}, // "encrypt_auto", "encrypt_explicit", "decrypt"
		),
		contextDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "mongocrypt_context_duration_seconds", Help: "Time to pump a context from construction to Finalize", Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}},
			[]string{"variant"},
		),
		contextErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "mongocrypt_context_errors_total", Help: "Total number of contexts that ended in StateError"},
			[]string{"variant", "status_kind"},
		),
		kmsRoundTripsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "kms_round_trips_total", Help: "Total number of completed KMS subcontexts"},
			[]string{"provider"},
		),
		kmsRoundTripDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "kms_round_trip_duration_seconds", Help: "KMS subcontext dial duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"provider"},
		),
		brokerEntriesRequested: factory.NewGauge(
			prometheus.GaugeOpts{Name: "broker_entries_requested", Help: "Key broker entries requested in the last pumped context"},
		),
		brokerEntriesResolved: factory.NewGauge(
			prometheus.GaugeOpts{Name: "broker_entries_resolved", Help: "Key broker entries resolved in the last pumped context"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{Name: "goroutines_total", Help: "Number of goroutines"},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{Name: "memory_alloc_bytes", Help: "Number of bytes allocated and not yet freed"},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{Name: "memory_sys_bytes", Help: "Total bytes of memory obtained from OS"},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
}

// RecordStoreOperation records a mongostore call.
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOperationsTotal.WithLabelValues(operation).Inc()
	m.storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOperationErrors.WithLabelValues(operation).Inc()
	}
}

// RecordContext records one pumped context's outcome and, on failure,
// the Status.Kind it failed with.
func (m *Metrics) RecordContext(variant string, duration time.Duration, status mongocrypt.Status) {
	m.contextsTotal.WithLabelValues(variant).Inc()
	m.contextDuration.WithLabelValues(variant).Observe(duration.Seconds())
	if !status.OK() {
		m.contextErrors.WithLabelValues(variant, status.Kind.String()).Inc()
	}
}

// RecordKMSRoundTrip records one completed KMS subcontext dial.
func (m *Metrics) RecordKMSRoundTrip(provider string, duration time.Duration) {
	m.kmsRoundTripsTotal.WithLabelValues(provider).Inc()
	m.kmsRoundTripDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordBrokerStats publishes a context's final BrokerStats snapshot.
func (m *Metrics) RecordBrokerStats(stats mongocrypt.BrokerStats) {
	m.brokerEntriesRequested.Set(float64(stats.Requested))
	m.brokerEntriesResolved.Set(float64(stats.Resolved))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically
// updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
