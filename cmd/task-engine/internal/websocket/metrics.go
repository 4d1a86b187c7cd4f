package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// droppedTotal 因积压越界或慢消费被丢弃的事件数
var droppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "task_engine",
		Subsystem: "hub",
		Name:      "events_dropped_total",
		Help:      "Total number of notification events dropped",
	},
)
