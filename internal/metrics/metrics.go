// Package metrics defines the Prometheus collectors exported by the chat
// relay and the handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomchat"

// Command results recorded on CommandsTotal.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
)

// Metrics groups the collectors updated by the hub.
type Metrics struct {
	Connections       prometheus.Gauge
	JoinedConnections prometheus.Gauge
	Rooms             prometheus.Gauge
	EventsSent        *prometheus.CounterVec
	SendDropped       prometheus.Counter
	CommandsTotal     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open WebSocket connections, joined or not.",
		}),
		JoinedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "joined_connections",
			Help:      "Connections currently holding a room and name.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Outbound events queued for delivery, by event type.",
		}, []string{"type"}),
		SendDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_dropped_total",
			Help:      "Outbound events dropped because the recipient queue was full or closed.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound commands handled, by command type and result.",
		}, []string{"type", "result"}),
	}

	reg.MustRegister(
		m.Connections,
		m.JoinedConnections,
		m.Rooms,
		m.EventsSent,
		m.SendDropped,
		m.CommandsTotal,
	)
	return m
}

// Handler exposes the collectors gathered by g at /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
