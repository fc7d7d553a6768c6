// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts jobs inserted, by type.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediajobs_enqueued_total",
		Help: "Total number of jobs enqueued.",
	}, []string{"type"})

	// JobsClaimed counts successful claims, by type.
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediajobs_claimed_total",
		Help: "Total number of jobs claimed by workers.",
	}, []string{"type"})

	// JobOutcomes counts finished attempts by type and resulting job status
	// (completed, pending, failed, dead).
	JobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediajobs_attempt_outcomes_total",
		Help: "Total number of finished attempts by resulting job status.",
	}, []string{"type", "status"})

	// HandlerDuration measures handler run time in seconds.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediajobs_handler_duration_seconds",
		Help:    "Duration of handler executions in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"type"})

	// HeartbeatFailures counts heartbeat updates that errored or found the
	// lease lost.
	HeartbeatFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediajobs_heartbeat_failures_total",
		Help: "Total number of failed heartbeat updates.",
	}, []string{"reason"})

	// StaleRecovered counts processing jobs returned to pending by the stale
	// sweep.
	StaleRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediajobs_stale_recovered_total",
		Help: "Total number of stale processing jobs recovered.",
	})

	// InFlight is the number of handlers currently running in this process.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediajobs_in_flight",
		Help: "Number of jobs currently executing in this process.",
	})
)
