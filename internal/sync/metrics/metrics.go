package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobTransitions tracks sync job status transitions
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsyncd_job_transitions_total",
			Help: "Total number of sync job status transitions",
		},
		[]string{"from", "to"},
	)

	// StageDuration tracks how long each pipeline stage takes
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsyncd_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "result"},
	)

	// ErrorsByCategory tracks classified errors per category
	ErrorsByCategory = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsyncd_errors_total",
			Help: "Total number of classified errors",
		},
		[]string{"category"},
	)

	// RetriesScheduled tracks retry tasks armed
	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsyncd_retries_scheduled_total",
			Help: "Total number of retry tasks scheduled",
		},
		[]string{"category"},
	)

	// RetriesFired tracks retry callbacks that actually ran
	RetriesFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsyncd_retries_fired_total",
			Help: "Total number of retry callbacks fired",
		},
		[]string{"category"},
	)

	// RetriesCancelled tracks retry tasks cancelled before firing
	RetriesCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsyncd_retries_cancelled_total",
			Help: "Total number of retry tasks cancelled",
		},
		[]string{"category"},
	)

	// TransactionsTotal tracks transaction outcomes
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsyncd_transactions_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"result", "nested"},
	)

	// ActiveTransactions tracks currently open transaction contexts
	ActiveTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsyncd_active_transactions",
			Help: "Number of currently tracked transaction contexts",
		},
	)

	// CompensationsReplayed tracks compensating rollback operations
	CompensationsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsyncd_compensations_total",
			Help: "Total number of compensating rollback operations replayed",
		},
		[]string{"target", "type"},
	)

	// VectorOps tracks vector store calls
	VectorOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsyncd_vector_ops_total",
			Help: "Total number of vector store operations",
		},
		[]string{"op", "result"},
	)

	// CircuitState tracks breaker state (0 closed, 1 open, 0.5 half-open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docsyncd_circuit_state",
			Help: "Circuit breaker state (0=closed, 0.5=half-open, 1=open)",
		},
		[]string{"name"},
	)

	// BatchSize tracks batch ingestion sizes
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsyncd_batch_size",
			Help:    "Number of operations per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"kind"},
	)
)
