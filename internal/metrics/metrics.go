// Package metrics defines the process's Prometheus collectors,
// grounded on the promauto package-level-var pattern: active sessions
// and connections as gauges, one-way counters for broadcasts,
// rejections, and timer fires. Carried regardless of the spec's
// silence on observability, the way the ambient logging stack is.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupjam_active_sessions",
		Help: "Number of sessions currently held in the registry.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupjam_active_connections",
		Help: "Number of currently open WebSocket connections.",
	})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupjam_broadcasts_total",
		Help: "Outbound broadcast messages sent, by message type.",
	}, []string{"type"})

	InboundMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupjam_inbound_messages_total",
		Help: "Inbound WebSocket messages accepted for dispatch, by message type.",
	}, []string{"type"})

	InboundDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupjam_inbound_dropped_total",
		Help: "Inbound WebSocket frames dropped before dispatch, by reason.",
	}, []string{"reason"})

	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupjam_rate_limit_rejections_total",
		Help: "Requests rejected by the admission gate, by counter.",
	}, []string{"counter"})

	AdvancementFiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupjam_advancement_timer_fires_total",
		Help: "Number of times a session's autonomous advancement timer has fired.",
	})

	SessionsDestroyedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupjam_sessions_destroyed_total",
		Help: "Sessions torn down, by reason.",
	}, []string{"reason"})
)

// RecordBroadcast counts one outbound message of the given type.
func RecordBroadcast(msgType string) {
	BroadcastsTotal.WithLabelValues(msgType).Inc()
}

// RecordInbound counts one dispatched inbound message of the given type.
func RecordInbound(msgType string) {
	InboundMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordDropped counts one inbound frame dropped before dispatch.
func RecordDropped(reason string) {
	InboundDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimitRejection counts one admission-gate rejection.
func RecordRateLimitRejection(counter string) {
	RateLimitRejectionsTotal.WithLabelValues(counter).Inc()
}

// RecordSessionDestroyed counts one session teardown by reason.
func RecordSessionDestroyed(reason string) {
	SessionsDestroyedTotal.WithLabelValues(reason).Inc()
}
