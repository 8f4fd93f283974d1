// Package metrics exposes Prometheus instruments for the scheduler and dispatcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outbound"

// Metrics groups every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	ticksTotal       *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	runsTotal        *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	jobsTotal        *prometheus.CounterVec
	enrollmentsTotal *prometheus.CounterVec
}

// New registers the instruments on reg. Use prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		ticksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_ticks_total",
				Help:      "Total number of scheduler ticks",
			},
			[]string{"leader"},
		),
		tickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_tick_duration_seconds",
				Help:      "Scheduler tick duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_runs_total",
				Help:      "Runs handled by the scheduler by result (claimed, fired, skipped, failed, lost)",
			},
			[]string{"result"},
		),
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Step dispatches by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Step dispatch latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"channel"},
		),
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_jobs_total",
				Help:      "Digest and alert job firings by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		enrollmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrollments_total",
				Help:      "Enrollment requests by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordTick counts one tick and its duration.
func (m *Metrics) RecordTick(leader bool, duration time.Duration) {
	if m == nil {
		return
	}

	label := "false"
	if leader {
		label = "true"
	}

	m.ticksTotal.WithLabelValues(label).Inc()
	m.tickDuration.Observe(duration.Seconds())
}

// RecordRuns adds n runs with the given result.
func (m *Metrics) RecordRuns(result string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.runsTotal.WithLabelValues(result).Add(float64(n))
}

// RecordDispatch counts a dispatch and observes its latency.
func (m *Metrics) RecordDispatch(channel models.Channel, outcome models.Outcome, latency time.Duration) {
	if m == nil {
		return
	}

	m.dispatchTotal.WithLabelValues(string(channel), string(outcome)).Inc()
	m.dispatchDuration.WithLabelValues(string(channel)).Observe(latency.Seconds())
}

// RecordJob counts a job firing.
func (m *Metrics) RecordJob(kind models.JobKind, outcome models.Outcome) {
	if m == nil {
		return
	}

	m.jobsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
}

// RecordEnrollment counts an enrollment request by result (created, conflict, rejected).
func (m *Metrics) RecordEnrollment(result string) {
	if m == nil {
		return
	}

	m.enrollmentsTotal.WithLabelValues(result).Inc()
}
