// Package metrics defines the agent's Prometheus instrumentation: one
// counter per degradation path plus a delivered-events counter, registered
// on a private registry that the control API exposes at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set groups the agent counters. EventsEmitted counts successful deliveries
// and grows on the happy path; every other counter records a degradation the
// agent survived or its recovery.
type Set struct {
	Registry *prometheus.Registry

	// Ingest.
	RingOverruns           prometheus.Counter
	ParseMismatches        prometheus.Counter
	TriggersDropped        prometheus.Counter
	DuplicateStartsDropped prometheus.Counter

	// State store.
	OrphanFinishDropped prometheus.Counter
	StateViolations     prometheus.Counter

	// Emitter.
	EventsEmitted     prometheus.Counter
	EventsDeadLetter  prometheus.Counter
	SinkRetries       prometheus.Counter
	BatchesSpilled    prometheus.Counter
	BatchesRedelivered prometheus.Counter
}

// New creates the counter set on a fresh registry.
func New() *Set {
	reg := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipetrace",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Set{
		Registry:               reg,
		RingOverruns:           counter("ring_overruns_total", "Kernel ring buffer records lost to overruns."),
		ParseMismatches:        counter("parse_mismatches_total", "Ring buffer samples whose size or type violated the wire contract."),
		TriggersDropped:        counter("triggers_dropped_total", "/proc triggers dropped on trigger-channel overflow."),
		DuplicateStartsDropped: counter("duplicate_starts_dropped_total", "Start records dropped as replays of an already-forwarded lifetime."),
		OrphanFinishDropped:    counter("orphan_finish_dropped_total", "Finish records expired with no matching start."),
		StateViolations:        counter("state_violations_total", "Records discarded for violating lifetime invariants."),
		EventsEmitted:          counter("events_emitted_total", "Events handed to the sink successfully."),
		EventsDeadLetter:       counter("events_dead_letter_total", "Events parked in the dead-letter ring after retries were exhausted."),
		SinkRetries:            counter("sink_retries_total", "Transient sink failures that triggered a retry."),
		BatchesSpilled:         counter("batches_spilled_total", "Dead-lettered batches persisted to the spill queue."),
		BatchesRedelivered:     counter("batches_redelivered_total", "Spilled batches re-delivered after sink recovery."),
	}
}
