// Package metrics registers the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "borrowdesk_cache_hits_total",
		Help: "Cache hits by layer and category.",
	}, []string{"layer", "category"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "borrowdesk_cache_misses_total",
		Help: "Cache misses that reached the loader, by category.",
	}, []string{"category"})

	FeedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "borrowdesk_feed_requests_total",
		Help: "Upstream feed calls by feed and outcome.",
	}, []string{"feed", "outcome"})

	FeedFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "borrowdesk_feed_fallbacks_total",
		Help: "Inputs resolved from a fallback tier, by feed and provenance.",
	}, []string{"feed", "provenance"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "borrowdesk_breaker_transitions_total",
		Help: "Circuit breaker state transitions by feed and new state.",
	}, []string{"feed", "state"})

	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "borrowdesk_audit_dropped_total",
		Help: "Audit records discarded because the queue was full.",
	})

	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "borrowdesk_audit_write_failures_total",
		Help: "Audit records that failed to persist.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "borrowdesk_rate_limited_total",
		Help: "Requests rejected by admission control, by tier.",
	}, []string{"tier"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "borrowdesk_request_duration_seconds",
		Help:    "End-to-end request latency by route and status.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"route", "status"})
)
