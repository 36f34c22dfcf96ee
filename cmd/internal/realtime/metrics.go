package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quad_ws_sessions_total",
		Help: "Accepted websocket sessions.",
	})

	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quad_ws_active_sessions",
		Help: "Currently connected websocket sessions.",
	})

	metricAuthRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quad_ws_auth_rejects_total",
		Help: "Websocket handshakes refused for missing or invalid tokens.",
	})

	metricAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quad_messages_appended_total",
		Help: "Messages accepted by the log, by duplicate status.",
	}, []string{"duplicate"})

	metricBroadcastDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quad_broadcast_delivered_total",
		Help: "Envelopes delivered to subscriber queues.",
	})

	metricBroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quad_broadcast_dropped_total",
		Help: "Envelopes dropped due to subscriber backpressure.",
	})
)
