package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for plan runs.
type Metrics struct {
	PlansTotal             *prometheus.CounterVec
	StepAttemptsTotal      *prometheus.CounterVec
	StepDuration           *prometheus.HistogramVec
	ApprovalsTotal         *prometheus.CounterVec
	EscalationsTotal       *prometheus.CounterVec
	SecurityBlocksTotal    prometheus.Counter
	AdmissionFailuresTotal *prometheus.CounterVec
}

// NewMetrics returns the process-wide metrics, registering them with the
// default registry on first use.
//
// Metrics:
//   - plangate_plans_total{status} - plans reaching a terminal status
//   - plangate_step_attempts_total{kind,outcome} - step attempts
//   - plangate_step_duration_seconds{kind} - attempt duration
//   - plangate_approvals_total{decision} - approval decisions, including grants
//   - plangate_escalations_total{class} - escalations to a human
//   - plangate_security_blocks_total - security gate blocks
//   - plangate_admission_failures_total{reason} - rejected plan documents
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PlansTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "plangate_plans_total",
					Help: "Total number of plans reaching a terminal status",
				},
				[]string{"status"},
			),

			StepAttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "plangate_step_attempts_total",
					Help: "Total number of step attempts",
				},
				[]string{"kind", "outcome"}, // outcome: "succeeded" or "failed"
			),

			StepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "plangate_step_duration_seconds",
					Help:    "Duration of step attempts in seconds",
					Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
				},
				[]string{"kind"},
			),

			ApprovalsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "plangate_approvals_total",
					Help: "Total number of approval decisions applied to steps",
				},
				[]string{"decision"},
			),

			EscalationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "plangate_escalations_total",
					Help: "Total number of plans handed to a human",
				},
				[]string{"class"},
			),

			SecurityBlocksTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "plangate_security_blocks_total",
					Help: "Total number of steps blocked by the security gate",
				},
			),

			AdmissionFailuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "plangate_admission_failures_total",
					Help: "Total number of plan documents rejected at admission",
				},
				[]string{"reason"},
			),
		}
	})
	return globalMetrics
}
