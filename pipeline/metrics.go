package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects scheduler metrics for Prometheus.
//
// Metrics exposed (all namespaced with "pipeline_"):
//
// 1. inflight_steps (gauge): Steps currently executing in this process.
// Labels: lane (main/gap).
//
// 2. step_latency_ms (histogram): Step execution duration in milliseconds.
// Labels: command, lane, status (success/error).
// Buckets: [1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000].
//
// 3. claims_total (counter): Gap claim attempts by outcome.
// Labels: result (found/none_available/no_more/contention).
//
// 4. claim_retries_total (counter): Claims retried after store contention.
//
// 5. divergences_total (counter): Registrations that diverged from history
// and truncated the run's steps.
//
// 6. run_transitions_total (counter): Run state changes.
// Labels: state.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := pipeline.NewPrometheusMetrics(registry)
//	sched, err := pipeline.New(st, reg, pipeline.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	inflightSteps *prometheus.GaugeVec

	stepLatency *prometheus.HistogramVec

	claims       *prometheus.CounterVec
	claimRetries prometheus.Counter
	divergences  prometheus.Counter
	transitions  *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all scheduler metrics with
// registry. A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightSteps = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pipeline",
		Name:      "inflight_steps",
		Help:      "Number of steps currently executing in this process",
	}, []string{"lane"})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipeline",
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds (handler call plus result file check)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"command", "lane", "status"})

	pm.claims = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "claims_total",
		Help:      "Gap claim attempts by outcome",
	}, []string{"result"}) // found, none_available, no_more, contention

	pm.claimRetries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "claim_retries_total",
		Help:      "Gap claims retried after store contention",
	})

	pm.divergences = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "divergences_total",
		Help:      "Step registrations that diverged from the recorded history",
	})

	pm.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "run_transitions_total",
		Help:      "Run state transitions by target state",
	}, []string{"state"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency records how long a step took. status is "success" or "error".
func (pm *PrometheusMetrics) RecordStepLatency(command, lane string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(command, lane, status).Observe(float64(latency.Milliseconds()))
}

// StepStarted increments the inflight gauge for lane.
func (pm *PrometheusMetrics) StepStarted(lane string) {
	if !pm.on() {
		return
	}
	pm.inflightSteps.WithLabelValues(lane).Inc()
}

// StepDone decrements the inflight gauge for lane.
func (pm *PrometheusMetrics) StepDone(lane string) {
	if !pm.on() {
		return
	}
	pm.inflightSteps.WithLabelValues(lane).Dec()
}

// IncrementClaims counts one gap claim attempt with the given result.
func (pm *PrometheusMetrics) IncrementClaims(result string) {
	if !pm.on() {
		return
	}
	pm.claims.WithLabelValues(result).Inc()
}

// IncrementClaimRetries counts one claim retried after contention.
func (pm *PrometheusMetrics) IncrementClaimRetries() {
	if !pm.on() {
		return
	}
	pm.claimRetries.Inc()
}

// IncrementDivergences counts one diverged registration.
func (pm *PrometheusMetrics) IncrementDivergences() {
	if !pm.on() {
		return
	}
	pm.divergences.Inc()
}

// IncrementRunTransitions counts one run moving to state.
func (pm *PrometheusMetrics) IncrementRunTransitions(state string) {
	if !pm.on() {
		return
	}
	pm.transitions.WithLabelValues(state).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears the gauges. Counters and histograms are cumulative and are
// left untouched.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightSteps.Reset()
}
