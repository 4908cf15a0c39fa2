// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package metrics holds the Prometheus collectors for stage transitions,
// model calls and validation outcomes. A nil *Collectors is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evidence_engine"

// Collectors groups the registered metrics.
type Collectors struct {
	StageTransitions   *prometheus.CounterVec
	ModelCalls         *prometheus.CounterVec
	ModelLatency       *prometheus.HistogramVec
	CorrectionAttempts *prometheus.HistogramVec
	Defects            *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collectors{
		StageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_total",
				Help:      "Stage state transitions by stage and target state",
			},
			[]string{"stage", "state"},
		),
		ModelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_calls_total",
				Help:      "AI model invocations by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ModelLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_call_duration_seconds",
				Help:      "AI model call duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"provider"},
		),
		CorrectionAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "correction_attempts",
				Help:      "Model attempts used by the self-correction loop",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
			[]string{"kind"},
		),
		Defects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "referential_defects_total",
				Help:      "Citations that did not resolve, by result kind and reason",
			},
			[]string{"kind", "reason"},
		),
		gatherer: reg,
	}
	reg.MustRegister(c.StageTransitions, c.ModelCalls, c.ModelLatency, c.CorrectionAttempts, c.Defects)
	return c
}

// StageTransition counts a stage moving to state.
func (c *Collectors) StageTransition(stage, state string) {
	if c == nil {
		return
	}
	c.StageTransitions.WithLabelValues(stage, state).Inc()
}

// ModelCall records one model invocation.
func (c *Collectors) ModelCall(provider, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.ModelCalls.WithLabelValues(provider, outcome).Inc()
	c.ModelLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// Attempts records the attempts one self-correction loop used.
func (c *Collectors) Attempts(kind string, n int) {
	if c == nil {
		return
	}
	c.CorrectionAttempts.WithLabelValues(kind).Observe(float64(n))
}

// Defect counts one unresolvable citation.
func (c *Collectors) Defect(kind, reason string) {
	if c == nil {
		return
	}
	c.Defects.WithLabelValues(kind, reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
