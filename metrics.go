package halloy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamydevstar/halloy/irc"
)

// Metrics counts the traffic of every network. Each series has a
// "network" label.
type Metrics struct {
	received       *prometheus.CounterVec
	sent           *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	state          *prometheus.GaugeVec
}

// NewMetrics registers the metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := []string{"network"}
	return &Metrics{
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halloy",
			Name:      "messages_received_total",
			Help:      "Number of messages read from the server.",
		}, labels),
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halloy",
			Name:      "messages_sent_total",
			Help:      "Number of messages written to the server.",
		}, labels),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halloy",
			Name:      "protocol_errors_total",
			Help:      "Number of malformed lines read from the server.",
		}, labels),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halloy",
			Name:      "reconnects_total",
			Help:      "Number of scheduled reconnections.",
		}, labels),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "halloy",
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 registering, 3 negotiating, 4 authenticating, 5 ready, 6 disconnecting.",
		}, labels),
	}
}

func (m *Metrics) setState(network string, state irc.ConnState) {
	m.state.WithLabelValues(network).Set(float64(state))
}

// forget drops the series of a removed network.
func (m *Metrics) forget(network string) {
	m.received.DeleteLabelValues(network)
	m.sent.DeleteLabelValues(network)
	m.protocolErrors.DeleteLabelValues(network)
	m.reconnects.DeleteLabelValues(network)
	m.state.DeleteLabelValues(network)
}
