// Package observability provides Prometheus metrics and OpenTelemetry
// tracing instrumentation for the root coordinator.
//
// Grounded on coreengine/observability/metrics.go's promauto.NewCounterVec/
// NewHistogramVec grouping-by-concern layout, renamed from the teacher's
// jeeves_* pipeline/agent/llm/grpc metrics to this domain's
// connection/intent/channel/directory concerns.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootcoord_connections_total",
			Help: "Total proxy connections accepted",
		},
		[]string{"status"}, // status: connected, identity_failed, disconnected
	)

	connectionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rootcoord_connection_duration_seconds",
			Help:    "Lifetime of a proxy connection, from handshake to disconnect",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
		},
		[]string{},
	)
)

var (
	intentRaisesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootcoord_intent_raises_total",
			Help: "Total raiseIntent/raiseIntentForContext requests",
		},
		[]string{"intent", "status"}, // status: dispatched, no_apps_found, resolution_failed, delivery_failed
	)

	intentResolutionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rootcoord_intent_resolution_seconds",
			Help:    "Time from raiseIntent to its dispatch to the target's listener",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"intent"},
	)
)

var (
	channelBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootcoord_channel_broadcasts_total",
			Help: "Total broadcasts dispatched on a channel",
		},
		[]string{"channel_type"}, // user, app, private
	)
)

var (
	directoryLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootcoord_directory_loads_total",
			Help: "Total directory URL fetches, at startup or via Refresh",
		},
		[]string{"status"}, // success, error
	)
)

var (
	heartbeatMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootcoord_heartbeat_misses_total",
			Help: "Total heartbeat ticks that found a prior send still outstanding",
		},
		[]string{},
	)

	disconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootcoord_disconnects_total",
			Help: "Total instance disconnects, by cause",
		},
		[]string{"cause"}, // heartbeat_exhausted, send_failed, transport_closed
	)
)

// RecordConnection records a connection lifecycle transition.
func RecordConnection(status string) {
	connectionsTotal.WithLabelValues(status).Inc()
}

// RecordConnectionDuration records how long a connection lasted end to
// end, in seconds.
func RecordConnectionDuration(seconds float64) {
	connectionDurationSeconds.WithLabelValues().Observe(seconds)
}

// RecordIntentRaise records one raiseIntent/raiseIntentForContext
// outcome.
func RecordIntentRaise(intent, status string) {
	intentRaisesTotal.WithLabelValues(intent, status).Inc()
}

// RecordIntentResolution records the latency from raiseIntent to its
// dispatch to the target's listener, in seconds.
func RecordIntentResolution(intent string, seconds float64) {
	intentResolutionSeconds.WithLabelValues(intent).Observe(seconds)
}

// RecordChannelBroadcast records one successful channel.Engine.Broadcast
// call.
func RecordChannelBroadcast(channelType string) {
	channelBroadcastsTotal.WithLabelValues(channelType).Inc()
}

// RecordDirectoryLoad records one directory.Load/Refresh URL fetch.
func RecordDirectoryLoad(status string) {
	directoryLoadsTotal.WithLabelValues(status).Inc()
}

// RecordHeartbeatMiss records one heartbeat.Monitor.Tick call that found
// a prior send still outstanding.
func RecordHeartbeatMiss() {
	heartbeatMissesTotal.WithLabelValues().Inc()
}

// RecordDisconnect records one instance disconnect, tagged by cause.
func RecordDisconnect(cause string) {
	disconnectsTotal.WithLabelValues(cause).Inc()
}
