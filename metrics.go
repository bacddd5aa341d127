package ntr

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ntr"

// metrics holds the Prometheus collectors for a connection. A nil *metrics
// records nothing.
type metrics struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	heartbeats      prometheus.Counter
	disconnects     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		packetsSent: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_sent_total",
			Help:      "Total number of packets written to the debugger",
		}, []string{"command"})),

		packetsReceived: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Total number of packets read from the debugger",
		}, []string{"command"})),

		packetsDropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_dropped_total",
			Help:      "Received packets with no waiting caller",
		}, []string{"command"})),

		bytesSent: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payload_bytes_sent_total",
			Help:      "Total payload bytes written after packet headers",
		})),

		bytesReceived: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payload_bytes_received_total",
			Help:      "Total payload bytes read after packet headers",
		})),

		heartbeats: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total number of heartbeats sent",
		})),

		disconnects: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Total number of connections that stopped",
		})),
	}
}

// register adds c to reg, or returns the collector already registered under
// the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *metrics) packetSent(cmd Command, payload int) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(cmd.String()).Inc()
	m.bytesSent.Add(float64(payload))
}

func (m *metrics) packetReceived(cmd Command, payload int) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(cmd.String()).Inc()
	m.bytesReceived.Add(float64(payload))
}

func (m *metrics) packetDropped(cmd Command) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(cmd.String()).Inc()
}

func (m *metrics) heartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *metrics) disconnected() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}
