// Package metrics holds the Prometheus instrumentation for the job pipeline:
// per-queue outcomes, durations, depths, sandbox stream events and cost.
//
// Collector files queue their vectors from init; MustRegister publishes the
// whole set on the default registry once, at process start.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pending      []prometheus.Collector
	registerOnce sync.Once
)

func register(cs ...prometheus.Collector) {
	pending = append(pending, cs...)
}

// MustRegister publishes every queued collector. Later calls are no-ops, so
// tests that share the process can call it freely.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(pending...)
	})
}
