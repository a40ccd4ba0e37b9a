// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicketsCreated tracks new tickets per classifier category
	TicketsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_tickets_created_total",
			Help: "Total number of remediation tickets opened",
		},
		[]string{"category"},
	)

	// DuplicateFailures tracks failures folded into an already active ticket
	DuplicateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remedy_duplicate_failures_total",
			Help: "Failures attached to a job's existing active ticket",
		},
	)

	// ApprovalDecisions tracks approval outcomes (approved, rejected, expired)
	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_approval_decisions_total",
			Help: "Total number of approval decisions",
		},
		[]string{"decision"},
	)

	// Attempts tracks retry attempts per action and outcome
	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_attempts_total",
			Help: "Total number of remediation attempts",
		},
		[]string{"action", "outcome"},
	)

	// AttemptDuration tracks how long a remediation run took
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remedy_attempt_duration_seconds",
			Help:    "Remediation attempt duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"action"},
	)

	// TicketsExhausted tracks tickets that ran out of retries
	TicketsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remedy_tickets_exhausted_total",
			Help: "Total number of tickets marked remediation_exhausted",
		},
	)

	// AttemptsInFlight tracks remediation runs currently executing
	AttemptsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remedy_attempts_in_flight",
			Help: "Remediation attempts currently running",
		},
	)
)
