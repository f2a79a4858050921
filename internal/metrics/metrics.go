// Package metrics holds the Prometheus instruments shared by the streaming pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signstream_tick_duration_seconds",
		Help:    "Time spent in one pipeline tick (detect, window, classify, encode)",
		Buckets: []float64{0.005, 0.01, 0.02, 0.03, 0.05, 0.08, 0.1, 0.2, 0.5},
	})

	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_ticks_skipped_total",
		Help: "Ticks skipped because no new frame was available",
	})

	Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_predictions_total",
		Help: "Predictions emitted by label kind",
	}, []string{"kind"})

	DetectionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_detection_failures_total",
		Help: "Landmark detector calls that returned an error",
	})

	CameraState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signstream_camera_state",
		Help: "Camera source state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
	})

	CameraReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_camera_read_failures_total",
		Help: "Failed or timed out device reads",
	})

	CameraReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_camera_reconnect_attempts_total",
		Help: "Reconnect attempts made by the capture loop",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signstream_hub_subscribers",
		Help: "Currently connected event subscribers",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_hub_events_dropped_total",
		Help: "Events discarded by drop-oldest backpressure",
	})

	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_persistence_failures_total",
		Help: "Store writes that failed, by operation",
	}, []string{"op"})

	WSConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signstream_ws_connections",
		Help: "Open websocket connections by endpoint",
	}, []string{"endpoint"})

	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_control_commands_total",
		Help: "Control commands handled, by command and outcome",
	}, []string{"command", "outcome"})

	RelayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_relay_messages_total",
		Help: "Recognized signs relayed to Redis, by outcome",
	}, []string{"outcome"})
)
