package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Saga run results for the result label.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

// Metrics holds Prometheus metrics for the orchestrator.
type Metrics struct {
	SagaRuns        *prometheus.CounterVec
	SagaStepLatency *prometheus.HistogramVec
	Compensations   *prometheus.CounterVec
	WatcherEvents   *prometheus.CounterVec
	WatcherErrors   *prometheus.CounterVec
	DedupHits       prometheus.Counter
	LinkRetries     prometheus.Counter
	gatherer        prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil,
// a new isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagaRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_runs_total",
			Help: "Total saga runs by kind and result.",
		}, []string{"kind", "result"}),
		SagaStepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_latency_seconds",
			Help:    "Saga step latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total compensating deletes by saga kind.",
		}, []string{"kind"}),
		WatcherEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_events_total",
			Help: "Total ledger events dispatched by the watcher.",
		}, []string{"event"}),
		WatcherErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_event_errors_total",
			Help: "Total per-event processing errors in the watcher.",
		}, []string{"event"}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watcher_dedup_hits_total",
			Help: "Total duplicate ledger event deliveries suppressed.",
		}),
		LinkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "link_retries_enqueued_total",
			Help: "Total link write-backs handed to the durable retry queue.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagaRuns, m.SagaStepLatency, m.Compensations,
		m.WatcherEvents, m.WatcherErrors, m.DedupHits,
		m.LinkRetries,
	)
	return m
}

// Handler exposes the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
