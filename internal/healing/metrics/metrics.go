package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal tracks submitted attempts per pipeline
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_attempts_total",
			Help: "Total number of execution attempts submitted",
		},
		[]string{"pipeline"},
	)

	// OutcomesTotal tracks completed attempts by outcome
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_outcomes_total",
			Help: "Total number of completed attempts by outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	// FailuresTotal tracks classified failures
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_failures_total",
			Help: "Total number of failures by category",
		},
		[]string{"pipeline", "category"},
	)

	// RetriesTotal tracks scheduled retries
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_retries_total",
			Help: "Total number of retries scheduled",
		},
		[]string{"pipeline"},
	)

	// RetryDelay tracks scheduled retry delays
	RetryDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healer_retry_delay_seconds",
			Help:    "Delay before a scheduled retry in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"pipeline"},
	)

	// EscalationsTotal tracks pipelines that gave up and escalated
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_escalations_total",
			Help: "Total number of escalations",
		},
		[]string{"pipeline"},
	)

	// SchemaChangesTotal tracks evaluated schema changes by result
	SchemaChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_schema_changes_total",
			Help: "Total number of schema changes by compatibility",
		},
		[]string{"pipeline", "compatibility"},
	)

	// ScalingDecisionsTotal tracks applied scaling actions
	ScalingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_scaling_decisions_total",
			Help: "Total number of scaling actions applied",
		},
		[]string{"pool", "action"},
	)

	// PoolWorkers tracks the current worker count of each pool
	PoolWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "healer_pool_workers",
			Help: "Current number of workers in the pool",
		},
		[]string{"pool"},
	)

	// PoolUtilization tracks the window average utilization of each pool
	PoolUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "healer_pool_utilization_percent",
			Help: "Average utilization over the sampling window",
		},
		[]string{"pool"},
	)

	// QuarantinedRecordsTotal tracks records routed to quarantine
	QuarantinedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_quarantined_records_total",
			Help: "Total number of quarantined records",
		},
		[]string{"pipeline"},
	)

	// QualityScore tracks the aggregate quality score of the last batch
	QualityScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "healer_quality_score",
			Help: "Quality score (0-100) of the last evaluated batch",
		},
		[]string{"pipeline"},
	)

	// StoreErrorsTotal tracks failed persistence calls
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_store_errors_total",
			Help: "Total number of failed store operations",
		},
		[]string{"store", "op"},
	)

	// AlertsTotal tracks emitted alerts by kind
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healer_alerts_total",
			Help: "Total number of alerts emitted",
		},
		[]string{"kind"},
	)
)

// DBConnectionPoolUsage tracks the percentage of open connections in the pool
var DBConnectionPoolUsage = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "healer_db_connection_pool_usage_percent",
		Help: "Open connections as a percentage of the pool limit",
	},
)

// PipelinesConfigured is the number of pipelines the loop supervises
var PipelinesConfigured = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "healer_pipelines_configured",
		Help: "Number of pipelines supervised by the control loop",
	},
)
