package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Number of live WebSocket connections.",
	})
	groupsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_groups",
		Help: "Number of non-empty broadcast groups.",
	})
	deliveredCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_delivered_total",
		Help: "Messages queued for delivery to group members.",
	})
	droppedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_dropped_total",
		Help: "Messages dropped because a member's send queue was full.",
	})
)
