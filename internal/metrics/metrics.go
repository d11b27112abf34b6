package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the gateway's Prometheus collectors.
type Metrics struct {
	// Gateway API
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Record store
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// JetStream publisher
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Local schema checks
	SchemaValidationTotal    *prometheus.CounterVec
	SchemaValidationDuration *prometheus.HistogramVec

	// Outbound authority calls
	AuthorityCallTotal    *prometheus.CounterVec
	AuthorityCallDuration *prometheus.HistogramVec

	// Session cache and lifecycle metrics
	SessionCacheLookups *prometheus.CounterVec
	ReturnTransitions   *prometheus.CounterVec
	DocumentOperations  *prometheus.CounterVec
}

// Collectors register once per process; tests and packages share them.
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eri_http_requests_total",
			Help: "Gateway API requests by route and status",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eri_http_request_duration_seconds",
			Help:    "Gateway API request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eri_storage_operations_total",
			Help: "Record store operations by outcome",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eri_storage_operation_duration_seconds",
			Help:    "Record store operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eri_events_published_total",
			Help: "Lifecycle events published to JetStream",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eri_event_publish_duration_seconds",
			Help:    "Lifecycle event publish latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eri_schema_validations_total",
			Help: "Local payload schema checks by schema and result",
		}, []string{"schema", "status"}),

		SchemaValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eri_schema_validation_duration_seconds",
			Help:    "Local payload schema check latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"schema", "status"}),

		AuthorityCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eri_authority_calls_total",
			Help: "Total number of calls made to the tax authority",
		}, []string{"operation", "outcome"}),

		// Authority calls are slow; buckets run up to the 30s transport timeout
		AuthorityCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eri_authority_call_duration_seconds",
			Help:    "Tax authority call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"operation", "mode"}),

		SessionCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eri_session_cache_lookups_total",
			Help: "Authority session cache lookups by tier and result",
		}, []string{"tier", "result"}),

		ReturnTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eri_return_transitions_total",
			Help: "Return status transitions",
		}, []string{"from", "to"}),

		DocumentOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eri_document_operations_total",
			Help: "Acknowledgement document store operations",
		}, []string{"operation", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	for _, c := range []prometheus.Collector{
		m.HTTPRequestTotal,
		m.HTTPRequestDuration,
		m.StorageOperationTotal,
		m.StorageOperationDuration,
		m.EventPublishTotal,
		m.EventPublishDuration,
		m.SchemaValidationTotal,
		m.SchemaValidationDuration,
		m.AuthorityCallTotal,
		m.AuthorityCallDuration,
		m.SessionCacheLookups,
		m.ReturnTransitions,
		m.DocumentOperations,
	} {
		registerOrGet(c)
	}
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Status renders an error as a metric label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
