// Package metrics provides internal instrumentation for the fabric. It
// registers Prometheus collectors but never starts an HTTP server or
// registers a /metrics handler — exporting metrics is explicitly out of
// scope (spec.md §1); an embedding application wires Registry() to its
// own exporter if it wants one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the fabric's components touch.
type Metrics struct {
	registry *prometheus.Registry

	SubscribeTotal   prometheus.Counter
	UnsubscribeTotal prometheus.Counter

	BroadcastFanoutTotal prometheus.Counter
	BroadcastErrorsTotal prometheus.Counter

	TrackerJoinsTotal    prometheus.Counter
	TrackerLeavesTotal   prometheus.Counter
	TrackerPermdownTotal prometheus.Counter
	TrackerEntriesGauge  prometheus.Gauge
}

// New builds a Metrics bundle under namespace, registered against a fresh,
// private prometheus.Registry (never the global DefaultRegisterer, so
// multiple fabric instances in one process don't collide).
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	return &Metrics{
		registry: reg,

		SubscribeTotal:   counter("registry_subscribe_total", "Total Subscribe calls."),
		UnsubscribeTotal: counter("registry_unsubscribe_total", "Total Unsubscribe calls."),

		BroadcastFanoutTotal: counter("adapter_broadcast_fanout_total", "Total cross-node fan-out sends."),
		BroadcastErrorsTotal: counter("adapter_broadcast_errors_total", "Total broadcast errors returned to callers."),

		TrackerJoinsTotal:    counter("tracker_joins_total", "Total presence joins observed."),
		TrackerLeavesTotal:   counter("tracker_leaves_total", "Total presence leaves observed."),
		TrackerPermdownTotal: counter("tracker_permdown_total", "Total peer shard refs declared permanently down."),
		TrackerEntriesGauge:  gauge("tracker_entries", "Current number of locally-known presence entries."),
	}
}

// Registry exposes the private prometheus.Registry so an embedding
// application can mount it under its own HTTP exporter.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
