// Package metrics exposes Prometheus instruments for the run engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted  prometheus.Counter
	RunsFinished *prometheus.CounterVec
	StepsInvoked *prometheus.CounterVec
	StepsFailed  *prometheus.CounterVec
	Suspensions  prometheus.Counter
	Resumes      *prometheus.CounterVec
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_runs_started_total",
			Help: "Runs started by an execution request.",
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_runs_finished_total",
			Help: "Runs that reached a terminal status, by status.",
		}, []string{"status"}),
		StepsInvoked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_steps_invoked_total",
			Help: "Step invocations by step type.",
		}, []string{"type"}),
		StepsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_steps_failed_total",
			Help: "Step invocations that returned an error.",
		}, []string{"type"}),
		Suspensions: f.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_suspensions_total",
			Help: "Runs parked waiting for an external signal.",
		}),
		Resumes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_resumes_total",
			Help: "Resume attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RunStarted counts a new run entering the running status.
func (m *Metrics) RunStarted() {
	if m != nil {
		m.RunsStarted.Inc()
	}
}

// RunFinished counts a run settled in the terminal status.
func (m *Metrics) RunFinished(status string) {
	if m != nil {
		m.RunsFinished.WithLabelValues(status).Inc()
	}
}

// StepInvoked counts one invocation of a step of stepType.
func (m *Metrics) StepInvoked(stepType string) {
	if m != nil {
		m.StepsInvoked.WithLabelValues(stepType).Inc()
	}
}

// StepFailed counts an invocation of stepType that returned an error.
func (m *Metrics) StepFailed(stepType string) {
	if m != nil {
		m.StepsFailed.WithLabelValues(stepType).Inc()
	}
}

// Suspended counts a run parked on a waiting step.
func (m *Metrics) Suspended() {
	if m != nil {
		m.Suspensions.Inc()
	}
}

// Resumed counts a resume attempt; outcome is "ok", "lost" or "expired".
func (m *Metrics) Resumed(outcome string) {
	if m != nil {
		m.Resumes.WithLabelValues(outcome).Inc()
	}
}
