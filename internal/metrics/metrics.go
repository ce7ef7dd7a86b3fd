// Package metrics registers Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the escrow pipeline.
type Metrics struct {
	// Transaction lifecycle
	Transitions         *prometheus.CounterVec
	TransactionsByState *prometheus.GaugeVec

	// Verification workflow
	TaskOutcomes *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	TasksOverdue prometheus.Counter

	// Money movement
	PaymentOutcomes   *prometheus.CounterVec
	SettlementsTotal  prometheus.Counter
	SettlementAmounts prometheus.Histogram

	// Resilience
	BreakerTrips  *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec

	// Audit sink
	AuditPending   prometheus.Gauge
	AuditConfirmed prometheus.Counter
}

// NewMetrics creates and registers all metrics with a registerer (nil uses
// the default).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_state_transitions_total",
				Help: "State machine transitions by source and target state",
			},
			[]string{"from", "to"},
		),
		TransactionsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "escrow_transactions_by_state",
				Help: "Live count of transactions in each lifecycle state",
			},
			[]string{"state"},
		),
		TaskOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_verification_tasks_total",
				Help: "Verification task completions by type and outcome",
			},
			[]string{"task_type", "outcome"}, // outcome: completed, failed, cancelled
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_verification_task_duration_seconds",
				Help:    "Wall time from task assignment to completion",
				Buckets: prometheus.ExponentialBuckets(60, 4, 10),
			},
			[]string{"task_type"},
		),
		TasksOverdue: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_verification_tasks_overdue_total",
				Help: "Deadline sweep detections of overdue tasks",
			},
		),
		PaymentOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_payments_total",
				Help: "Payment attempts by type and outcome",
			},
			[]string{"payment_type", "outcome"}, // outcome: completed, failed
		),
		SettlementsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_settlements_total",
				Help: "Successfully executed settlements",
			},
		),
		SettlementAmounts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "escrow_settlement_amount_dollars",
				Help:    "Total settlement amounts",
				Buckets: prometheus.ExponentialBuckets(50000, 2, 8),
			},
		),
		BreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions by breaker and target state",
			},
			[]string{"breaker", "to"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_retry_attempts_total",
				Help: "Retry attempts against external dependencies",
			},
			[]string{"dependency"},
		),
		AuditPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "escrow_audit_events_pending",
				Help: "Audit events not yet confirmed by the external sink",
			},
		),
		AuditConfirmed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_audit_events_confirmed_total",
				Help: "Audit events confirmed by the external sink",
			},
		),
	}
}

// RecordTransition counts one state machine transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.Transitions.WithLabelValues(from, to).Inc()
}

// RecordTaskOutcome counts a task reaching a terminal status.
func (m *Metrics) RecordTaskOutcome(taskType, outcome string, durationSeconds float64) {
	m.TaskOutcomes.WithLabelValues(taskType, outcome).Inc()
	if durationSeconds > 0 {
		m.TaskDuration.WithLabelValues(taskType).Observe(durationSeconds)
	}
}

// RecordPayment counts a payment attempt outcome.
func (m *Metrics) RecordPayment(paymentType string, completed bool) {
	outcome := "failed"
	if completed {
		outcome = "completed"
	}
	m.PaymentOutcomes.WithLabelValues(paymentType, outcome).Inc()
}

// RecordSettlement counts an executed settlement.
func (m *Metrics) RecordSettlement(totalDollars float64) {
	m.SettlementsTotal.Inc()
	m.SettlementAmounts.Observe(totalDollars)
}

// RecordBreakerTransition counts a breaker state change.
func (m *Metrics) RecordBreakerTransition(breaker, to string) {
	m.BreakerTrips.WithLabelValues(breaker, to).Inc()
}
