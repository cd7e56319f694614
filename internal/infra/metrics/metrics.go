// Package metrics provides Prometheus metrics for the vault: ledger gauges,
// task and worker counters, HTTP latency and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskvault"

// ─── Treasury ───────────────────────────────────────────────────────────────

// TreasuryBalance tracks funds held, reserved or not.
var TreasuryBalance = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "treasury_balance",
	Help:      "Total funds held by the treasury.",
})

// TreasuryReserved tracks funds earmarked for assigned tasks.
var TreasuryReserved = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "treasury_reserved",
	Help:      "Funds reserved against assigned tasks.",
})

// TreasuryDailySpent tracks releases in the current window.
var TreasuryDailySpent = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "treasury_daily_spent",
	Help:      "Funds released in the current daily window.",
})

// TreasuryDailyRemaining tracks what may still be reserved today.
var TreasuryDailyRemaining = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "treasury_daily_remaining",
	Help:      "Remaining daily budget after spent and reserved funds.",
})

// LedgerOperations counts ledger mutations by kind.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ledger_operations_total",
	Help:      "Ledger mutations by operation.",
}, []string{"op"})

// LedgerAmount sums the amounts moved per operation.
var LedgerAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ledger_amount_total",
	Help:      "Funds moved by operation.",
}, []string{"op"})

// HighValueEvents counts events at or above the alert threshold.
var HighValueEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "high_value_events_total",
	Help:      "Events flagged high value.",
}, []string{"kind"})

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksCreated counts new tasks by category.
var TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_created_total",
	Help:      "Tasks created by category.",
}, []string{"category"})

// TaskTransitions counts status changes.
var TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "task_transitions_total",
	Help:      "Task status transitions.",
}, []string{"from", "to"})

// ProposalsRejected counts assignment proposals the vault refused.
var ProposalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "proposals_rejected_total",
	Help:      "Assignment proposals rejected, by reason.",
}, []string{"reason"})

// SweeperExpired counts tasks failed by the expiry sweeper.
var SweeperExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "sweeper_expired_total",
	Help:      "Tasks expired by the sweeper.",
})

// SweeperRuns counts sweeper passes.
var SweeperRuns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "sweeper_runs_total",
	Help:      "Expiry sweeper passes.",
})

// ─── Workers ────────────────────────────────────────────────────────────────

// WorkerReliability tracks each worker's score in basis points.
var WorkerReliability = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "worker_reliability",
	Help:      "Worker reliability in basis points (10000 = 100%).",
}, []string{"worker"})

// WorkerEvents counts registry changes by kind.
var WorkerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "worker_events_total",
	Help:      "Worker registry events by kind.",
}, []string{"kind"})

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPLatency tracks API request duration.
var HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "http_request_duration_seconds",
	Help:      "API request duration in seconds.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
}, []string{"method", "route", "status"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsPublished counts events by kind.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "events_total",
	Help:      "Domain events by kind.",
}, []string{"kind"})

// EventsRetried counts redelivery attempts per sink.
var EventsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "event_retries_total",
	Help:      "Redelivery attempts of events a sink rejected.",
}, []string{"sink"})

// EventsDropped counts events a sink never accepted.
var EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "events_dropped_total",
	Help:      "Events abandoned after retries were exhausted or the backlog overflowed.",
}, []string{"sink"})
