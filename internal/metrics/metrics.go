// Package metrics exports Prometheus collectors for workflow runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relationaldba/provisiond/internal/ir"
)

const namespace = "provisiond"

// Metrics implements engine.Recorder on top of Prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	WorkflowsTotal    *prometheus.CounterVec
	WorkflowDuration  *prometheus.HistogramVec
	WorkflowsInFlight prometheus.Gauge
	TransitionsTotal  *prometheus.CounterVec
	StackPollsTotal   *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		WorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_total",
				Help:      "Workflow runs by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Workflow run duration in seconds",
				Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
			},
			[]string{"kind"},
		),
		WorkflowsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workflows_in_flight",
				Help:      "Workflow runs currently executing",
			},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Persisted deployment status changes by target status",
			},
			[]string{"to"},
		),
		StackPollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_polls_total",
				Help:      "Stack describe polls by operation",
			},
			[]string{"operation"},
		),
	}
}

func (m *Metrics) WorkflowStarted(kind string) {
	m.WorkflowsInFlight.Inc()
}

func (m *Metrics) WorkflowFinished(kind, outcome string, elapsed time.Duration) {
	m.WorkflowsInFlight.Dec()
	m.WorkflowsTotal.WithLabelValues(kind, outcome).Inc()
	m.WorkflowDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) StatusChanged(to ir.Status) {
	m.TransitionsTotal.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) StackPolled(operation string) {
	m.StackPollsTotal.WithLabelValues(operation).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
