// Package metrics exposes netpump's runtime counters and gauges as
// Prometheus collectors, for the same kind of performance-tuning visibility
// tnet's hand-rolled atomic counters gave, but scrapeable by anything that
// speaks the Prometheus exposition format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netpump"

var (
	// ConnectionsOpened counts successful ConnectEstablished calls.
	ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tcp",
		Name:      "connections_opened_total",
		Help:      "Total number of TCP connections established.",
	})

	// ConnectionsClosed counts ConnectDestroyed calls.
	ConnectionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tcp",
		Name:      "connections_closed_total",
		Help:      "Total number of TCP connections torn down.",
	})

	// BytesRead counts bytes delivered to connections' input buffers.
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tcp",
		Name:      "bytes_read_total",
		Help:      "Total bytes read from TCP connections.",
	})

	// BytesWritten counts bytes actually written to connection sockets.
	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tcp",
		Name:      "bytes_written_total",
		Help:      "Total bytes written to TCP connections.",
	})

	// OutputBufferQueued is a gauge of bytes currently queued across all
	// connections' output buffers, i.e. bytes accepted by Send but not yet
	// written to a socket.
	OutputBufferQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tcp",
		Name:      "output_buffer_queued_bytes",
		Help:      "Bytes currently queued in connection output buffers.",
	})

	// HighWaterMarkHits counts rising-edge high-water-mark callback firings.
	HighWaterMarkHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tcp",
		Name:      "high_water_mark_hits_total",
		Help:      "Total number of times a connection's output buffer crossed its high-water mark.",
	})

	// ConnectorRetries counts Connector backoff retries.
	ConnectorRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connector",
		Name:      "retries_total",
		Help:      "Total number of active-connect retry attempts.",
	})

	// ConnectorSelfConnects counts detected self-connects, aborted and retried.
	ConnectorSelfConnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connector",
		Name:      "self_connects_total",
		Help:      "Total number of self-connects detected and retried.",
	})

	// ActiveTimers is a gauge of timers currently scheduled across all
	// TimerQueues.
	ActiveTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "timer",
		Name:      "active",
		Help:      "Number of timers currently scheduled.",
	})

	// EpollEvents counts readiness events returned by epoll_wait.
	EpollEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "events_total",
		Help:      "Total number of readiness events returned by the poller.",
	})
)

// Handler returns an http.Handler serving the default Prometheus registry
// in the text exposition format, for mounting under e.g. /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
