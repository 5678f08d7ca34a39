// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive tracks registered websocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of authenticated websocket connections",
		},
	)

	// OnlineUsers tracks users with at least one live connection on this instance.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "online_users",
			Help: "Number of users with a live connection",
		},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"sender_type"},
	)

	// MessageSendFailures tracks rejected or failed sends.
	MessageSendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_send_failures_total",
			Help: "Message sends that did not persist",
		},
		[]string{"reason"},
	)

	// EventsEmitted tracks outbound realtime events by scope (room, user, all).
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_emitted_total",
			Help: "Realtime events emitted",
		},
		[]string{"event", "scope"},
	)

	// ReadReceiptsTotal tracks messages flipped to read.
	ReadReceiptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "read_receipts_total",
			Help: "Messages marked as read",
		},
	)

	// TypingSignalsTotal tracks typing updates.
	TypingSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "typing_signals_total",
			Help: "Typing signals received",
		},
		[]string{"transport"},
	)

	// FanoutRelayed tracks events received from other instances over NATS.
	FanoutRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_fanout_relayed_total",
			Help: "Fan-out envelopes received from peer instances",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// SetConnections publishes the registry gauges.
func SetConnections(connections, users int) {
	WSConnectionsActive.Set(float64(connections))
	OnlineUsers.Set(float64(users))
}

// RecordMessage counts a persisted message.
func RecordMessage(senderType string) {
	MessagesTotal.WithLabelValues(senderType).Inc()
}

// RecordSendFailure counts a send that did not persist.
func RecordSendFailure(reason string) {
	MessageSendFailures.WithLabelValues(reason).Inc()
}

// RecordEvent counts an emitted realtime event.
func RecordEvent(event, scope string) {
	EventsEmitted.WithLabelValues(event, scope).Inc()
}

// RecordReadReceipts counts messages flipped to read.
func RecordReadReceipts(n int) {
	ReadReceiptsTotal.Add(float64(n))
}

// RecordTyping counts a typing signal.
func RecordTyping(transport string) {
	TypingSignalsTotal.WithLabelValues(transport).Inc()
}
