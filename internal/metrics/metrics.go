// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connections and online users, counters for message
// status transitions and failed requests, and a histogram of reconnect
// backlog sizes.
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

	// OnlineUsers tracks the number of users with a live presence entry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of users registered in the presence registry",
	})

	// MessagesTotal counts message status transitions, labeled by the
	// status reached: "sent", "delivered" or "read".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of message status transitions",
	}, []string{"transition"})

	// FlushMessages records how many pending messages each connect flushed.
	FlushMessages = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_flush_messages",
		Help:    "Number of pending messages delivered per reconnect flush",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// PresenceNotifyFailures counts presence notifications that could not be
	// pushed to a connection.
	PresenceNotifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_presence_notify_failures_total",
		Help: "Presence notifications that failed to reach a connection",
	})

	// RequestErrors counts failed client requests by error code.
	RequestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_request_errors_total",
		Help: "Client requests that ended in an error event",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		FlushMessages,
		PresenceNotifyFailures,
		RequestErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
