package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "caserunner",
		Name:      "ws_clients",
		Help:      "Connected WebSocket observers.",
	})
	metricEventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caserunner",
		Name:      "events_broadcast_total",
		Help:      "Execution events broadcast through the hub.",
	})
)
