package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_total",
		Help: "Bus messages routed, by event type.",
	}, []string{"type"})
	rejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_rejected_messages_total",
		Help: "Bus messages dropped by validation, by reason.",
	}, []string{"reason"})
	duplicatesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_duplicate_messages_total",
		Help: "Bus messages suppressed by the dedupe gate.",
	})
	reconnectsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_reconnects_total",
		Help: "Bus reconnect attempts.",
	})
)
