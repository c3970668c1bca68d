// Package metrics holds the Prometheus instrumentation for the request
// FSM, constructed once and injected, following escrow.NewMetrics's
// struct-of-vectors pattern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the FSM and its collaborators
// update.
type Metrics struct {
	CacheHit     prometheus.Counter
	CacheMiss    prometheus.Counter
	CacheHitPass prometheus.Counter

	FetchTotal *prometheus.CounterVec // label: outcome (finished, failed)
	AcctTotal  *prometheus.CounterVec // label: kind (hit, fetch, pass, pipe, error)
	Restarts   prometheus.Counter

	StateDuration *prometheus.HistogramVec // label: state
	FetchDuration prometheus.Histogram
}

// New creates and registers the metric set.
func New() *Metrics {
	return &Metrics{
		CacheHit: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_hit_total",
			Help: "Total lookups resolved as a cache hit.",
		}),
		CacheMiss: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_miss_total",
			Help: "Total lookups resolved as a cache miss.",
		}),
		CacheHitPass: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_hitpass_total",
			Help: "Total lookups that hit a hit-for-pass marker.",
		}),
		FetchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cacheproxy_fetch_total",
			Help: "Total backend fetches by terminal outcome.",
		}, []string{"outcome"}),
		AcctTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cacheproxy_acct_req_total",
			Help: "Total requests by accounting category.",
		}, []string{"kind"}),
		Restarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_restarts_total",
			Help: "Total FSM restarts issued.",
		}),
		StateDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cacheproxy_state_duration_seconds",
			Help:    "Time spent in each FSM state handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"state"}),
		FetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cacheproxy_fetch_duration_seconds",
			Help:    "Backend fetch round-trip duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
