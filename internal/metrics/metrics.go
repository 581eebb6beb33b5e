package metrics

import (
	"context"
	"enrollment-reconciler/internal/domain"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const JobName = "enrollment_reconciler"

// RunMetrics holds the metrics of a single reconciliation run. They live in a
// private registry so each run pushes only its own series.
type RunMetrics struct {
	registry *prometheus.Registry

	OutcomesTotal   *prometheus.CounterVec
	MatchesTotal    *prometheus.CounterVec
	RunDuration     prometheus.Gauge
	RunTransactions *prometheus.GaugeVec
	LastSuccess     prometheus.Gauge
}

func NewRunMetrics() *RunMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &RunMetrics{
		registry: reg,

		OutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_outcomes_total",
				Help: "Settled transactions processed, by final state and reason",
			},
			[]string{"state", "reason"},
		),

		MatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_course_matches_total",
				Help: "Course resolutions by match kind",
			},
			[]string{"kind"},
		),

		RunDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reconciler_run_duration_seconds",
				Help: "Wall time of the last run",
			},
		),

		RunTransactions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reconciler_run_transactions",
				Help: "Tally of the last run by state",
			},
			[]string{"mode", "state"},
		),

		LastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reconciler_last_success_timestamp_seconds",
				Help: "Unix time of the last run that finished without failures",
			},
		),
	}
}

// ObserveOutcome counts one classified transaction.
func (m *RunMetrics) ObserveOutcome(o domain.Outcome) {
	m.OutcomesTotal.WithLabelValues(string(o.State), o.Reason).Inc()
	if o.Match != "" {
		m.MatchesTotal.WithLabelValues(string(o.Match)).Inc()
	}
}

// RecordRun sets the run-level gauges once the run has finished.
func (m *RunMetrics) RecordRun(rc *domain.RunContext, finishedAt time.Time, runErr error) {
	m.RunDuration.Set(finishedAt.Sub(rc.StartedAt).Seconds())

	mode := string(rc.Mode)
	m.RunTransactions.WithLabelValues(mode, string(domain.StateSuccess)).Set(float64(rc.Result.Success))
	m.RunTransactions.WithLabelValues(mode, string(domain.StateSkipped)).Set(float64(rc.Result.Skipped))
	m.RunTransactions.WithLabelValues(mode, string(domain.StateNoUser)).Set(float64(rc.Result.NoUser))
	m.RunTransactions.WithLabelValues(mode, string(domain.StateFailed)).Set(float64(rc.Result.Failed))

	if runErr == nil && rc.Result.Failed == 0 {
		m.LastSuccess.Set(float64(finishedAt.Unix()))
	}
}

func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Push replaces this job's group on the Pushgateway at url.
func (m *RunMetrics) Push(ctx context.Context, url, mode string) error {
	err := push.New(url, JobName).
		Gatherer(m.registry).
		Grouping("mode", mode).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push run metrics: %w", err)
	}
	return nil
}
