// Package metrics holds the Prometheus collectors of the purchase pipeline.
//
// Label values are drawn from small fixed sets (rule names, error codes,
// message statuses) so cardinality stays bounded.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tixrush"

// Degradation stages of the purchase-record read path.
const (
	StageCacheRead  = "cache_read"
	StageCacheWrite = "cache_write"
	StageStore      = "store"
)

var (
	rateLimitDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denied_total",
			Help:      "Rate limiter denials by rule and reason.",
		},
		[]string{"rule", "reason"},
	)

	recordsDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_degraded_total",
			Help:      "Purchase-record reads that absorbed a cache or store failure.",
		},
		[]string{"stage"},
	)

	consumerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_messages_total",
			Help:      "Queue messages processed by final status.",
		},
		[]string{"status"},
	)

	allocationAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_attempts",
			Help:      "Optimistic decrement attempts per allocation.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
	)
)

func init() {
	prometheus.MustRegister(rateLimitDenied, recordsDegraded, consumerMessages, allocationAttempts)
}

func RateLimitDenied(rule, reason string) {
	rateLimitDenied.WithLabelValues(rule, reason).Inc()
}

func RecordsDegraded(stage string) {
	recordsDegraded.WithLabelValues(stage).Inc()
}

func ConsumerMessage(status string) {
	consumerMessages.WithLabelValues(status).Inc()
}

func AllocationAttempts(n int) {
	allocationAttempts.Observe(float64(n))
}
