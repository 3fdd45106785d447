package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for msgselect
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec

	// Selector metrics
	SelectorRecomputeTotal    *prometheus.CounterVec
	SelectorPublishTotal      *prometheus.CounterVec
	SelectorSuppressedTotal   *prometheus.CounterVec
	SelectorRecomputeDuration *prometheus.HistogramVec
	SelectorSelectionSize     *prometheus.GaugeVec
	SelectorsActive           prometheus.Gauge

	// Rate limiter metrics
	RateLimiterExecutionsTotal *prometheus.CounterVec
	RateLimiterCoalescedTotal  *prometheus.CounterVec

	// Queue metrics
	QueueMutationsTotal *prometheus.CounterVec
	QueueSize           prometheus.Gauge
	QueueSubscribers    prometheus.Gauge

	// Notifier metrics
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierEventsDropped     *prometheus.CounterVec

	// Selection cache metrics
	SelectionCacheTotal *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgselect_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_api_errors_total",
			Help: "Total number of API errors",
		},
		[]string{"method", "path", "error_type"},
	)

	// Selector metrics
	m.SelectorRecomputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_selector_recompute_total",
			Help: "Total number of selection recomputations",
		},
		[]string{"selector"},
	)

	m.SelectorPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_selector_publish_total",
			Help: "Total number of selections published to handlers",
		},
		[]string{"selector"},
	)

	m.SelectorSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_selector_suppressed_total",
			Help: "Total number of recomputations discarded because the selection did not change",
		},
		[]string{"selector"},
	)

	m.SelectorRecomputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgselect_selector_recompute_duration_seconds",
			Help:    "Duration of selection recomputations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15), // from 10us to ~160ms
		},
		[]string{"selector"},
	)

	m.SelectorSelectionSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msgselect_selector_selection_size",
			Help: "Number of messages in the last published selection",
		},
		[]string{"selector"},
	)

	m.SelectorsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgselect_selectors_active",
			Help: "Number of selectors that have not been disposed",
		},
	)

	// Rate limiter metrics
	m.RateLimiterExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_ratelimiter_executions_total",
			Help: "Total number of rate limited actions executed",
		},
		[]string{"limiter", "edge"}, // edge: leading, trailing
	)

	m.RateLimiterCoalescedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_ratelimiter_coalesced_total",
			Help: "Total number of requests folded into an already pending run",
		},
		[]string{"limiter"},
	)

	// Queue metrics
	m.QueueMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_queue_mutations_total",
			Help: "Total number of message queue mutations",
		},
		[]string{"operation"},
	)

	m.QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgselect_queue_size",
			Help: "Number of messages in the queue",
		},
	)

	m.QueueSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgselect_queue_subscribers",
			Help: "Number of active queue subscriptions",
		},
	)

	// Notifier metrics
	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgselect_notifier_connections_active",
			Help: "Number of active selection stream connections",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_notifier_events_published_total",
			Help: "Total number of selection snapshots delivered to stream subscribers",
		},
		[]string{"selector"},
	)

	m.NotifierEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_notifier_events_dropped_total",
			Help: "Total number of selection snapshots dropped for slow subscribers",
		},
		[]string{"selector"},
	)

	// Selection cache metrics
	m.SelectionCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgselect_selection_cache_total",
			Help: "Selection wire form lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	return m
}
