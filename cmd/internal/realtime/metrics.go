package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_realtime_subscribers",
		Help: "Live notification channels across all chats.",
	})
	metricBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_realtime_broadcast_sends_total",
		Help: "Envelope sends attempted and queued to subscriber channels.",
	})
	metricBroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_realtime_broadcast_drops_total",
		Help: "Envelope sends skipped because a channel was closed or backed up.",
	})
	metricConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_realtime_connections_total",
		Help: "Accepted websocket notification channels.",
	})
)
