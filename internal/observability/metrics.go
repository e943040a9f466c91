package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	PipelineRequests *prometheus.CounterVec
	ClassifyLatency  prometheus.Histogram
	ClassifierCache  *prometheus.CounterVec
	ContextLoads     *prometheus.CounterVec
	PersistFailures  prometheus.Counter
	CachedContexts   prometheus.Gauge
	WSMessages       *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg. Tests pass a fresh
// registry so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PipelineRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_requests_total",
			Help:      "Processed NLU requests by outcome.",
		}, []string{"outcome"}),
		ClassifyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_latency_ms",
			Help:      "Latency of classifier calls in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		ClassifierCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_cache_total",
			Help:      "Classifier response cache lookups by result.",
		}, []string{"result"}),
		ContextLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_loads_total",
			Help:      "User context lookups by source (cache, store, new, recovered_corrupt, load_error).",
		}, []string{"source"}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_persist_failures_total",
			Help:      "Context snapshots that could not be written to durable storage.",
		}),
		CachedContexts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_contexts",
			Help:      "Number of user contexts held in memory.",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveClassifyLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ClassifyLatency.Observe(float64(d.Milliseconds()))
}

// ObserveStage records a pipeline stage duration in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, float64(d.Microseconds())/1000)
}

// ObserveIndicator counts a notable pipeline event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.count(name)
}

// SnapshotStages returns percentile stats for recent pipeline stages.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.snapshot(time.Now())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
