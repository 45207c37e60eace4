package httpd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/chatvault/archive"
)

// Metrics collects the prometheus instrumentation for the archive, all
// namespaced "chatvault":
//
//	http_request_duration_ms (histogram): request latency by route/method/status.
//	search_latency_ms (histogram): query façade search latency.
//	imports_total (counter): ingestion runs by provider and final status.
//	import_conversations_total (counter): stored conversations by provider and
//	    operation (inserted/updated).
//	import_warnings_total (counter): ingestion warnings by provider and tag.
//
// Build one per process with NewMetrics and expose it on /metrics.
type Metrics struct {
	httpDuration  *prometheus.HistogramVec
	searchLatency prometheus.Histogram
	imports       *prometheus.CounterVec
	conversations *prometheus.CounterVec
	warnings      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatvault",
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"route", "method", "status"}),
		searchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatvault",
			Name:      "search_latency_ms",
			Help:      "Full-text search latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		imports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatvault",
			Name:      "imports_total",
			Help:      "Ingestion runs by provider and final status",
		}, []string{"provider", "status"}),
		conversations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatvault",
			Name:      "import_conversations_total",
			Help:      "Conversations stored by ingestion, by provider and operation",
		}, []string{"provider", "op"}),
		warnings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatvault",
			Name:      "import_warnings_total",
			Help:      "Ingestion warnings by provider and tag",
		}, []string{"provider", "tag"}),
	}
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route, method, status string, elapsed time.Duration) {
	m.httpDuration.WithLabelValues(route, method, status).
		Observe(float64(elapsed.Milliseconds()))
}

// ObserveSearch records one search's latency.
func (m *Metrics) ObserveSearch(elapsed time.Duration) {
	m.searchLatency.Observe(float64(elapsed.Milliseconds()))
}

// ObserveImport records a finished ingestion run.
func (m *Metrics) ObserveImport(provider archive.Provider, status string) {
	m.imports.WithLabelValues(string(provider), status).Inc()
}

// ConversationStored feeds ingest.WithObserver.
func (m *Metrics) ConversationStored(provider archive.Provider, inserted bool) {
	op := "updated"
	if inserted {
		op = "inserted"
	}
	m.conversations.WithLabelValues(string(provider), op).Inc()
}

// WarningRecorded feeds ingest.WithObserver.
func (m *Metrics) WarningRecorded(provider archive.Provider, tag string) {
	m.warnings.WithLabelValues(string(provider), tag).Inc()
}
