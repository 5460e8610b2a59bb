package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SchemaFieldsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schema_fields_dropped_total",
			Help: "Fields removed from writes because the store did not recognise them",
		},
		[]string{"field"},
	)

	LifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transaction_transitions_total",
			Help: "Transaction lifecycle actions by outcome",
		},
		[]string{"action", "outcome"},
	)

	NotificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Notifications that could not be handed off",
		},
		[]string{"kind"},
	)

	AuctionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_scheduler_runs_total",
			Help: "Rollover and close runs with the number of listings they moved",
		},
		[]string{"job", "status"},
	)
)

var registerOnce sync.Once

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RepositoryCalls,
			RepositoryDuration,
			SchemaFieldsDropped,
			LifecycleTransitions,
			NotificationFailures,
			AuctionRuns,
		)
	})
}
