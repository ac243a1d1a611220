package nutrition

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the nutrition pipeline.
type Metrics struct {
	FetchesTotal   *prometheus.CounterVec
	RetriesTotal   prometheus.Counter
	BackoffSeconds prometheus.Histogram
	CacheHitsTotal prometheus.Counter
	CacheMissTotal prometheus.Counter
}

// NewMetrics constructs collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutrition_fetches_total",
			Help: "Nutrition lookups by terminal state.",
		},
		[]string{"state"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nutrition_retries_total",
			Help: "Rate-limit retries scheduled.",
		},
	)
	backoff := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nutrition_retry_backoff_seconds",
			Help:    "Backoff durations slept before rate-limit retries.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	hits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nutrition_cache_hits_total",
			Help: "Lookups satisfied by the persistent cache.",
		},
	)
	misses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nutrition_cache_misses_total",
			Help: "Lookups that required a network fetch.",
		},
	)

	if reg != nil {
		reg.MustRegister(fetches, retries, backoff, hits, misses)
	}

	return &Metrics{
		FetchesTotal:   fetches,
		RetriesTotal:   retries,
		BackoffSeconds: backoff,
		CacheHitsTotal: hits,
		CacheMissTotal: misses,
	}
}

// IncFetch increments the fetch counter for a terminal state label.
func (m *Metrics) IncFetch(state string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(state).Inc()
}

// ObserveRetry records one scheduled retry and its backoff.
func (m *Metrics) ObserveRetry(wait time.Duration) {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
	m.BackoffSeconds.Observe(wait.Seconds())
}

// IncCacheHit counts a lookup satisfied from cache.
func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// IncCacheMiss counts a lookup that went to the network.
func (m *Metrics) IncCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissTotal.Inc()
}
