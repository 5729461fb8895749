package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scm",
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Number of live websocket connections on this node.",
	})

	handshakeRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scm",
		Subsystem: "gateway",
		Name:      "handshake_rejections_total",
		Help:      "Rejected websocket handshakes by reason.",
	}, []string{"reason"})

	chatsRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scm",
		Subsystem: "relay",
		Name:      "chats_relayed_total",
		Help:      "Chats persisted and handed to fan-out.",
	})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scm",
		Subsystem: "relay",
		Name:      "persist_failures_total",
		Help:      "Chats that could not be appended to the conversation log.",
	})

	deliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scm",
		Subsystem: "relay",
		Name:      "delivery_failures_total",
		Help:      "Failed deliveries: fanout (cluster write) or slow_consumer (evicted connection).",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(connectionsGauge, handshakeRejections, chatsRelayed, persistFailures, deliveryFailures)
}
