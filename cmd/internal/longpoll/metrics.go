package longpoll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_longpoll_waiters",
		Help: "Parked long-poll requests across all chats.",
	})
	metricEnqueues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_longpoll_enqueues_total",
		Help: "Messages accepted into per-chat pending queues.",
	})
	metricDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_longpoll_deliveries_total",
		Help: "Waiters resolved with messages.",
	})
	metricTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_longpoll_timeouts_total",
		Help: "Waiters resolved by their own deadline.",
	})
	metricReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_longpoll_reaped_total",
		Help: "Expired waiters settled by the background reaper.",
	})
)
