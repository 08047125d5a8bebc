// Package metrics records per-call and process-wide counters and
// histograms with github.com/prometheus/client_golang, grounded on
// hubenschmidt-asr-llm-tts's services/gateway/internal/metrics package, and
// backs both a scrape endpoint and the "metrics" client WS event named in
// spec.md §6 (a snapshot of the same registry pushed over the socket rather
// than only pulled by Prometheus).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric this module exports, constructed against its
// own prometheus.Registry so tests and multiple Manager instances never
// collide with the global default registry.
type Registry struct {
	reg *prometheus.Registry

	CallsActive   prometheus.Gauge
	CallsTotal    prometheus.Counter
	TurnLatency   *prometheus.HistogramVec // label: session ("A"|"B")
	E2ELatency    prometheus.Histogram
	EchoBreakthroughsTotal prometheus.Counter
	EchoActivationsTotal   prometheus.Counter
	RecoveryEventsTotal    *prometheus.CounterVec // label: event type
	GuardrailEventsTotal   *prometheus.CounterVec // label: level
	HallucinationsFilteredTotal prometheus.Counter
}

// NewRegistry builds a fresh, independent metrics registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		CallsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_calls_active",
			Help: "Currently active relay calls",
		}),
		CallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_calls_total",
			Help: "Total relay calls started",
		}),
		TurnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_turn_latency_seconds",
			Help:    "Per-turn latency from speech-end to first translated audio, by session label",
			Buckets: []float64{0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
		}, []string{"session"}),
		E2ELatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_e2e_latency_seconds",
			Help:    "End-to-end call-level latency distribution",
			Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
		}),
		EchoBreakthroughsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_echo_breakthroughs_total",
			Help: "Echo segments that slipped past the gate and reached a session",
		}),
		EchoActivationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_echo_gate_activations_total",
			Help: "Times the echo gate suppressed a candidate echo segment",
		}),
		RecoveryEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_recovery_events_total",
			Help: "Recovery state machine transitions, by event type",
		}, []string{"event"}),
		GuardrailEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_guardrail_events_total",
			Help: "Guardrail classifications, by level",
		}, []string{"level"}),
		HallucinationsFilteredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_fallback_stt_hallucinations_filtered_total",
			Help: "Batch Whisper transcripts discarded as hallucinations during recovery catch-up",
		}),
	}
}

// Gatherer exposes the underlying registry for a /metrics scrape handler
// (promhttp.HandlerFor(r.Gatherer(), ...)).
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// CallRecorder accumulates the per-call samples behind the "metrics" client
// WS event (spec.md §6), alongside feeding the same observations into the
// shared Registry's histograms/counters.
type CallRecorder struct {
	reg *Registry

	turnCount   int
	echoBreak   int
	echoGate    int
	recoveries  map[string]int
	guardrails  map[string]int
}

// NewCallRecorder starts tracking one call against reg.
func (r *Registry) NewCallRecorder() *CallRecorder {
	r.CallsActive.Inc()
	r.CallsTotal.Inc()
	return &CallRecorder{
		reg:        r,
		recoveries: map[string]int{},
		guardrails: map[string]int{},
	}
}

// ObserveTurnLatency records one session turn's latency.
func (c *CallRecorder) ObserveTurnLatency(sessionLabel string, d time.Duration) {
	c.turnCount++
	c.reg.TurnLatency.WithLabelValues(sessionLabel).Observe(d.Seconds())
}

// ObserveE2ELatency records one call-level end-to-end latency sample.
func (c *CallRecorder) ObserveE2ELatency(d time.Duration) {
	c.reg.E2ELatency.Observe(d.Seconds())
}

// RecordEchoBreakthrough increments both the call-local and shared counters.
func (c *CallRecorder) RecordEchoBreakthrough() {
	c.echoBreak++
	c.reg.EchoBreakthroughsTotal.Inc()
}

// RecordEchoGateActivation increments both the call-local and shared counters.
func (c *CallRecorder) RecordEchoGateActivation() {
	c.echoGate++
	c.reg.EchoActivationsTotal.Inc()
}

// RecordRecoveryEvent increments both the call-local tally and the shared
// counter vector, labelled by event.
func (c *CallRecorder) RecordRecoveryEvent(event string) {
	c.recoveries[event]++
	c.reg.RecoveryEventsTotal.WithLabelValues(event).Inc()
}

// RecordGuardrailEvent increments both the call-local tally and the shared
// counter vector, labelled by level.
func (c *CallRecorder) RecordGuardrailEvent(level string) {
	c.guardrails[level]++
	c.reg.GuardrailEventsTotal.WithLabelValues(level).Inc()
}

// RecordHallucinationFiltered increments the shared counter only; this
// statistic has no useful per-call breakdown of its own.
func (c *CallRecorder) RecordHallucinationFiltered() {
	c.reg.HallucinationsFilteredTotal.Inc()
}

// Finish decrements the active-call gauge; call once per call on cleanup.
func (c *CallRecorder) Finish() {
	c.reg.CallsActive.Dec()
}

// Snapshot renders the call-local counters as the payload for the
// client-facing "metrics" WS event (clientws.Handler.SendMetrics).
func (c *CallRecorder) Snapshot() map[string]any {
	recoveries := make(map[string]any, len(c.recoveries))
	for k, v := range c.recoveries {
		recoveries[k] = v
	}
	guardrails := make(map[string]any, len(c.guardrails))
	for k, v := range c.guardrails {
		guardrails[k] = v
	}
	return map[string]any{
		"turn_count":          c.turnCount,
		"echo_breakthroughs":  c.echoBreak,
		"echo_gate_activations": c.echoGate,
		"recovery_events":     recoveries,
		"guardrail_events":    guardrails,
	}
}
