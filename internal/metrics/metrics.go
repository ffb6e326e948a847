// Package metrics records harness activity as Prometheus collectors.
//
// Each run owns a Metrics value backed by its own registry so parallel runs
// and tests never share counters. The CLI writes the registry to a textfile
// at the end of a run when --metrics-file is set.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clustertest"

// Metrics holds the collectors for one run.
type Metrics struct {
	registry *prometheus.Registry

	// PollsTotal counts finished polls by label and outcome
	// (ok, never_true, assertion_failed, probe_failed).
	PollsTotal *prometheus.CounterVec

	// PollAttempts observes how many probes a poll needed.
	PollAttempts *prometheus.HistogramVec

	// PollDuration observes wall time per poll.
	PollDuration *prometheus.HistogramVec

	// ProvisionsTotal counts deployment starts by dialect, mode and outcome.
	ProvisionsTotal *prometheus.CounterVec

	// ProvisionDuration observes time from start to ready.
	ProvisionDuration *prometheus.HistogramVec

	// TeardownsTotal counts teardowns by outcome.
	TeardownsTotal *prometheus.CounterVec

	// LiveDeployments tracks deployments not yet torn down.
	LiveDeployments prometheus.Gauge
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Eventual assertions finished, by outcome",
			},
			[]string{"label", "outcome"},
		),
		PollAttempts: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_attempts",
				Help:      "Probe calls per eventual assertion",
				Buckets:   []float64{1, 2, 5, 10, 20, 60, 120},
			},
			[]string{"label"},
		),
		PollDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Wall time per eventual assertion",
				Buckets:   []float64{.01, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"label"},
		),
		ProvisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisions_total",
				Help:      "Deployment starts, by dialect, mode and outcome",
			},
			[]string{"dialect", "mode", "outcome"},
		),
		ProvisionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_duration_seconds",
				Help:      "Time from start until every process is ready",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"dialect", "mode"},
		),
		TeardownsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "teardowns_total",
				Help:      "Deployment teardowns, by outcome",
			},
			[]string{"outcome"},
		),
		LiveDeployments: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_deployments",
				Help:      "Deployments started and not yet torn down",
			},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePoll records one finished eventual assertion.
func (m *Metrics) ObservePoll(label, outcome string, attempts int, elapsed time.Duration) {
	if label == "" {
		label = "unnamed"
	}
	m.PollsTotal.WithLabelValues(label, outcome).Inc()
	m.PollAttempts.WithLabelValues(label).Observe(float64(attempts))
	m.PollDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// RecordProvision records a deployment start.
func (m *Metrics) RecordProvision(dialect, mode string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else {
		m.ProvisionDuration.WithLabelValues(dialect, mode).Observe(d.Seconds())
		m.LiveDeployments.Inc()
	}
	m.ProvisionsTotal.WithLabelValues(dialect, mode, outcome).Inc()
}

// RecordTeardown records a teardown of a running deployment.
func (m *Metrics) RecordTeardown(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.TeardownsTotal.WithLabelValues(outcome).Inc()
	m.LiveDeployments.Dec()
}

// WriteFile writes every collector in the Prometheus text format, for the
// node_exporter textfile collector or for CI artifacts.
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
