// Package metrics exports evidence events as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/vorch/internal/evidence"
)

// Recorder is an evidence.Recorder that updates Prometheus collectors.
// Each Recorder owns its registry so several can coexist in one process.
type Recorder struct {
	registry *prometheus.Registry

	commands     *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	retries      *prometheus.CounterVec
	lateAcks     prometheus.Counter
	checks       *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	plansActive  prometheus.Gauge
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorch_commands_total",
			Help: "Commands reaching a terminal lifecycle state.",
		}, []string{"capability", "state"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorch_step_outcomes_total",
			Help: "Step outcomes by capability, action and final state.",
		}, []string{"capability", "action", "state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorch_step_retries_total",
			Help: "Additional attempts made after a retryable failure.",
		}, []string{"capability"}),
		lateAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vorch_late_acks_total",
			Help: "Acknowledgements for terminal or unknown commands.",
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorch_consistency_checks_total",
			Help: "Consistency verdicts by quantity and result.",
		}, []string{"quantity", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vorch_step_duration_seconds",
			Help:    "Wall time of a step across all of its attempts.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"capability"}),
		plansActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vorch_plans_active",
			Help: "Plans currently executing.",
		}),
	}
	r.registry.MustRegister(r.commands, r.outcomes, r.retries, r.lateAcks, r.checks, r.stepDuration, r.plansActive)
	return r
}

// Registry returns the registry backing this recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Record implements evidence.Recorder.
func (r *Recorder) Record(e evidence.Event) {
	switch e.Kind {
	case evidence.KindTransition:
		if isTerminal(e.To) {
			r.commands.WithLabelValues(string(e.Capability), e.To).Inc()
		}
	case evidence.KindOutcome:
		r.outcomes.WithLabelValues(string(e.Capability), string(e.Action), e.To).Inc()
		if ms, err := strconv.ParseFloat(e.Details[evidence.DetailElapsed], 64); err == nil {
			r.stepDuration.WithLabelValues(string(e.Capability)).Observe(ms / 1000)
		}
	case evidence.KindRetry:
		r.retries.WithLabelValues(string(e.Capability)).Inc()
	case evidence.KindLateAck:
		r.lateAcks.Inc()
	case evidence.KindConsistencyCheck:
		r.checks.WithLabelValues(e.Target, e.To).Inc()
	case evidence.KindPlanStarted:
		r.plansActive.Inc()
	case evidence.KindPlanFinished:
		r.plansActive.Dec()
	}
}

func isTerminal(state string) bool {
	switch state {
	case "acked", "timed_out", "rejected":
		return true
	}
	return false
}
