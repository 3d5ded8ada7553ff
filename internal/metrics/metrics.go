// Package metrics exposes the Prometheus collectors shared by the stream
// engine, the durable log and the bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tributary"

var (
	// Registry holds every tributary collector. Callers expose it with promhttp.
	Registry = prometheus.NewRegistry()

	StreamEmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "emits_total",
		Help:      "Values propagated by stream nodes.",
	}, []string{"node"})

	BusPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Messages published through a bus backend.",
	}, []string{"backend"})

	BusDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "delivered_total",
		Help:      "Messages read from a backend and delivered into the local graph.",
	}, []string{"backend"})

	ReaderRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "retries_total",
		Help:      "Transient read/connect failures retried by broker readers.",
	}, []string{"backend"})

	DBWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dbstream",
		Name:      "writes_total",
		Help:      "Rows written to durable log tables.",
	}, []string{"table"})

	DBEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dbstream",
		Name:      "evictions_total",
		Help:      "Rows evicted by the size cap.",
	}, []string{"table"})
)

func init() {
	Registry.MustRegister(StreamEmits, BusPublished, BusDelivered, ReaderRetries, DBWrites, DBEvictions)
}

// NodeLabel returns the label used for unnamed nodes.
func NodeLabel(name string) string {
	if name == "" {
		return "anonymous"
	}
	return name
}
