package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "persona_chat"

// Metrics holds the domain collectors of the service
type Metrics struct {
	GenerationDuration  *prometheus.HistogramVec
	Summaries           *prometheus.CounterVec
	LeafCacheLookups    *prometheus.CounterVec
	ReconstructDuration prometheus.Histogram
	Tokens              *prometheus.CounterVec
	JobsDispatched      *prometheus.CounterVec
	ProviderBreaker     *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GenerationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of streamed generations.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		}, []string{"model", "outcome"}),
		Summaries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Checkpoint summarizations by outcome.",
		}, []string{"outcome"}),
		LeafCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaf_cache_lookups_total",
			Help:      "Leaf cache lookups by result.",
		}, []string{"result"}),
		ReconstructDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "thread_reconstruct_duration_seconds",
			Help:      "Time spent walking a thread from its leaf.",
			Buckets:   prometheus.DefBuckets,
		}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Provider tokens by kind.",
		}, []string{"kind"}),
		JobsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Async jobs handed to the task runner.",
		}, []string{"type", "outcome"}),
		ProviderBreaker: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_breaker_state",
			Help:      "Circuit breaker per model: 0 closed, 1 half-open, 2 open.",
		}, []string{"model"}),
	}
}

// ObserveBreaker records a breaker transition reported by name.
func (m *Metrics) ObserveBreaker(model, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.ProviderBreaker.WithLabelValues(model).Set(v)
}

// NewNop returns collectors registered on a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
