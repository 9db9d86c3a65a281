package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages enqueued counter
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"queue"},
	)

	// Messages handed out by claim
	MessagesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_claimed_total",
			Help: "Total number of messages claimed",
		},
		[]string{"queue"},
	)

	// Delete outcomes: ok, not_found, lost_ownership
	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_delete_results_total",
			Help: "Total number of delete calls by result",
		},
		[]string{"queue", "result"},
	)

	// Messages removed by the ttl sweeper
	MessagesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_messages_purged_total",
			Help: "Total number of expired messages removed by the sweeper",
		},
	)

	// Sweeper run duration
	SweeperDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leaseq_sweeper_duration_seconds",
			Help:    "Time taken for sweeper to purge expired messages",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweeper errors counter
	SweeperErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_sweeper_errors_total",
			Help: "Total number of sweeper errors",
		},
	)

	// Worker in-flight messages per task queue
	WorkerInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leaseq_worker_in_flight",
			Help: "Messages claimed by the worker and not yet released",
		},
		[]string{"queue"},
	)

	// Handler outcomes: success, failure, panic
	WorkerProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_worker_processed_total",
			Help: "Total number of messages processed by the worker by outcome",
		},
		[]string{"queue", "outcome"},
	)

	// Timer ticks skipped because the previous run was still going
	TimerOverlaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_timer_overlaps_total",
			Help: "Total number of timer ticks skipped due to overlap",
		},
		[]string{"timer"},
	)

	// Errors delivered to the worker diagnostic handler
	WorkerDiagnostics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_worker_diagnostics_total",
			Help: "Total number of errors reported by the worker",
		},
	)
)
