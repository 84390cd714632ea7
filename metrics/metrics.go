// Package metrics instruments the unix socket subsystem with
// prometheus/client_golang counters and gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups the counters/gauges this module exposes. Construct one
// with NewCollectors and register it on the process's prometheus.Registerer.
type Collectors struct {
	AcceptsTotal      prometheus.Counter
	BytesReadTotal    prometheus.Counter
	BytesWrittenTotal prometheus.Counter
	RegistryEntries   prometheus.Gauge
}

// NewCollectors builds a fresh, unregistered Collectors set.
func NewCollectors() *Collectors {
	return &Collectors{
		AcceptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unixsock_accepts_total",
			Help: "Total number of accepted connections across all listeners.",
		}),
		BytesReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unixsock_bytes_read_total",
			Help: "Total bytes read across all sockets.",
		}),
		BytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unixsock_bytes_written_total",
			Help: "Total bytes written across all sockets.",
		}),
		RegistryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unixsock_registry_entries",
			Help: "Current number of listening servers in the registry.",
		}),
	}
}

// MustRegister registers every collector on r, panicking on a duplicate
// registration (mirrors prometheus.MustRegister's own contract).
func (c *Collectors) MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		c.AcceptsTotal,
		c.BytesReadTotal,
		c.BytesWrittenTotal,
		c.RegistryEntries,
	)
}
