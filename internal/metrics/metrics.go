// Package metrics provides Prometheus instrumentation for the chat relay:
// gauges for connections and sessions, counters for message and throttle
// volume, and a histogram for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SessionsTotal tracks the current number of joined identities.
	SessionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_total",
		Help: "Current number of joined identities",
	})

	// RoomsTotal tracks the current number of rooms of any kind.
	RoomsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms_total",
		Help: "Current number of rooms",
	})

	// MessagesTotal counts messages routed, labeled by room kind.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of messages routed",
	}, []string{"kind"}) // kind = "public", "private", "direct"

	// RateLimitedTotal counts actions rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Total number of actions rejected by the rate limiter",
	})

	// DroppedDeliveriesTotal counts outbound frames dropped because a
	// client's send queue overflowed.
	DroppedDeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_deliveries_total",
		Help: "Outbound frames dropped due to slow clients",
	})

	// BroadcastLatency records the time from ingress to fan-out in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_latency_seconds",
		Help:    "Time from message ingress to fan-out",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsTotal,
		RoomsTotal,
		MessagesTotal,
		RateLimitedTotal,
		DroppedDeliveriesTotal,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
