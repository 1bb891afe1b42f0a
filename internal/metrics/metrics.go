// Package metrics provides Prometheus instrumentation for the chat
// synchronization core. It exposes a gauge for the connection lifecycle
// state, counters for message and reconnect throughput, and histograms for
// REST latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState tracks the current connection lifecycle state as an
	// enum gauge: 0=disconnected, 1=connecting, 2=connected, 3=reconnecting.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowwdeck_chat_connection_state",
		Help: "Connection lifecycle state (0=disconnected 1=connecting 2=connected 3=reconnecting)",
	})

	// ReconnectsTotal counts reconnect attempts after a transport drop.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowwdeck_chat_reconnects_total",
		Help: "Total number of reconnect attempts",
	})

	// MessagesTotal counts messages crossing the duplex channel, labeled by
	// direction: "sent", "received", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowwdeck_chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"direction"}) // direction = "sent", "received", "failed"

	// HistoryFetchDuration records REST history fetch latency in seconds.
	HistoryFetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowwdeck_chat_history_fetch_seconds",
		Help:    "Message history fetch latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// UnreadConversations tracks how many conversations currently carry a
	// non-zero unread count.
	UnreadConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowwdeck_chat_unread_conversations",
		Help: "Number of conversations with unread messages",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectsTotal,
		MessagesTotal,
		HistoryFetchDuration,
		UnreadConversations,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
