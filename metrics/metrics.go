// Package metrics holds the relay's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can take metrics optionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Line sources used as the "source" label.
const (
	SourceClient = "client"
	SourceServer = "server"
	SourceBridge = "bridge"
)

// Metrics groups the relay's collectors.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients prometheus.Gauge
	Accepted         prometheus.Counter
	Rejected         prometheus.Counter
	Disconnected     prometheus.Counter
	LinesRelayed     *prometheus.CounterVec
	Deliveries       prometheus.Counter
	SendFailures     prometheus.Counter
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
//
// Returns:
//   - A new Metrics instance
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Number of currently connected clients",
		}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_clients_accepted_total",
			Help: "Total client connections registered",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_clients_rejected_total",
			Help: "Total client connections refused because the relay was full",
		}),
		Disconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_clients_disconnected_total",
			Help: "Total client disconnects",
		}),
		LinesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_lines_total",
			Help: "Total lines broadcast by source",
		}, []string{"source"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total lines successfully written to clients",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Total failed writes to clients",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectedClients,
		m.Accepted,
		m.Rejected,
		m.Disconnected,
		m.LinesRelayed,
		m.Deliveries,
		m.SendFailures,
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ClientConnected records a newly registered client.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}

	m.Accepted.Inc()
	m.ConnectedClients.Inc()
}

// ClientDisconnected records a client leaving.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}

	m.Disconnected.Inc()
	m.ConnectedClients.Dec()
}

// ClientRejected records a connection refused at capacity.
func (m *Metrics) ClientRejected() {
	if m == nil {
		return
	}

	m.Rejected.Inc()
}

// LineRelayed records one broadcast line from source.
func (m *Metrics) LineRelayed(source string) {
	if m == nil {
		return
	}

	m.LinesRelayed.WithLabelValues(source).Inc()
}

// Delivered records n successful client writes and failed failed ones.
func (m *Metrics) Delivered(n, failed int) {
	if m == nil {
		return
	}

	m.Deliveries.Add(float64(n))
	m.SendFailures.Add(float64(failed))
}

// Reset zeroes the connected clients gauge, used once every client has been
// closed on shutdown.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}

	m.ConnectedClients.Set(0)
}
