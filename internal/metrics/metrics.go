// Package metrics exposes Prometheus metrics for the portrait pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

const namespace = "facepoke"

// StoreStats is implemented by the session store.
type StoreStats interface {
	Len() int
	Capacity() int
}

// Metrics owns a registry, so several engines can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	requests      *prometheus.CounterVec
	memoLookups   *prometheus.CounterVec
	evictions     prometheus.Counter
}

// New creates the metric set with Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// stageDuration measures each pipeline step run on the worker pool.
		// Labels: stage, status (ok, error)
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"stage", "status"}),

		// requests counts preprocess and transform calls by outcome.
		// Labels: operation (preprocess, transform), kind (ok or error kind)
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Pipeline requests by operation and outcome",
		}, []string{"operation", "kind"}),

		// memoLookups counts upload memo lookups.
		// Labels: result (hit, miss, stale)
		memoLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload_memo",
			Name:      "lookups_total",
			Help:      "Upload memo lookups by result",
		}, []string{"result"}),

		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evictions_total",
			Help:      "Sessions evicted by capacity pressure",
		}),
	}
}

// RegisterStore exports the live size and capacity of the session store.
func (m *Metrics) RegisterStore(s StoreStats) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "cached",
		Help:      "Sessions currently cached",
	}, func() float64 { return float64(s.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "capacity",
		Help:      "Maximum number of cached sessions",
	}, func() float64 { return float64(s.Capacity()) })
}

// ObserveStage records a finished pipeline stage.
func (m *Metrics) ObserveStage(stage string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(took.Seconds())
}

// ObserveRequest records a finished preprocess or transform call.
func (m *Metrics) ObserveRequest(operation string, err error) {
	kind := "ok"
	if err != nil {
		kind = string(portrait.KindOf(err))
	}
	m.requests.WithLabelValues(operation, kind).Inc()
}

// ObserveMemo records an upload memo lookup: "hit", "miss" or "stale".
func (m *Metrics) ObserveMemo(result string) {
	m.memoLookups.WithLabelValues(result).Inc()
}

// ObserveEviction counts an evicted session.
func (m *Metrics) ObserveEviction() {
	m.evictions.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
