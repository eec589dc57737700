package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported by the room engine.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	HandshakeRejections *prometheus.CounterVec
	MessagesRelayed     *prometheus.CounterVec
	DecodeFailures      prometheus.Counter
	DeliveriesDropped   prometheus.Counter
	SlowDisconnects     prometheus.Counter
	PresenceErrors      *prometheus.CounterVec
	BusPublishFailures  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reviewroom",
			Name:      "active_connections",
			Help:      "Number of active room connections on this instance",
		}),
		HandshakeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewroom",
			Name:      "handshake_rejections_total",
			Help:      "Connections closed before becoming active, by reason",
		}, []string{"reason"}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewroom",
			Name:      "messages_relayed_total",
			Help:      "Envelopes published to room channels, by kind",
		}, []string{"kind"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reviewroom",
			Name:      "decode_failures_total",
			Help:      "Inbound frames dropped because they could not be decoded",
		}),
		DeliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reviewroom",
			Name:      "deliveries_dropped_total",
			Help:      "Envelopes dropped because a subscriber buffer was full",
		}),
		SlowDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reviewroom",
			Name:      "slow_subscriber_disconnects_total",
			Help:      "Subscribers disconnected because their buffer was full",
		}),
		PresenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewroom",
			Name:      "presence_store_errors_total",
			Help:      "Presence store calls that failed, by operation",
		}, []string{"op"}),
		BusPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reviewroom",
			Name:      "bus_publish_failures_total",
			Help:      "Publishes to the broadcast backbone that fell back to local fan-out",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.HandshakeRejections,
		m.MessagesRelayed,
		m.DecodeFailures,
		m.DeliveriesDropped,
		m.SlowDisconnects,
		m.PresenceErrors,
		m.BusPublishFailures,
	)

	return m
}

// NewNop returns collectors that are not registered anywhere. Useful in tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
