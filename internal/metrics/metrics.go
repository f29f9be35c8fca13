// Package metrics provides Prometheus instrumentation for the messaging
// service. It exposes gauges for connection and subscription counts, counters
// for message and fan-out throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesAppended counts message append attempts, labeled by result:
	// "ok", "rejected" (validation or membership), or "rate_limited".
	MessagesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_messages_appended_total",
		Help: "Total number of message append attempts",
	}, []string{"result"}) // result = "ok", "rejected", "rate_limited"

	// AppendLatency records message append latency (validation through
	// commit) in seconds.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messaging_append_latency_seconds",
		Help:    "Message append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FanoutEvents counts events published to the fan-out gateway, labeled
	// by event type (message_appended, typing_changed, etc).
	FanoutEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_fanout_events_total",
		Help: "Total number of events published to the fan-out gateway",
	}, []string{"type"})

	// ActiveSubscriptions tracks the current number of live conversation
	// subscriptions across all connections.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_active_subscriptions",
		Help: "Current number of active conversation subscriptions",
	})

	// NotificationsEmitted counts notification events emitted for recipients
	// without a live subscription to the conversation.
	NotificationsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_notifications_emitted_total",
		Help: "Total number of notification events emitted",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesAppended,
		AppendLatency,
		FanoutEvents,
		ActiveSubscriptions,
		NotificationsEmitted,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
