package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames moved per direction. Heartbeats are counted.",
		},
		[]string{"role", "direction"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "link",
			Name:      "frame_bytes_total",
			Help:      "Payload bytes moved per direction, excluding the length prefix.",
		},
		[]string{"role", "direction"},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgelink",
			Subsystem: "link",
			Name:      "active_connections",
			Help:      "Endpoints started and not yet terminal.",
		},
		[]string{"role"},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "link",
			Name:      "registrations_total",
			Help:      "connregister outcomes.",
		},
		[]string{"role", "result"},
	)
	terminalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "link",
			Name:      "terminal_transitions_total",
			Help:      "Receive loop transitions into a terminal state.",
		},
		[]string{"role", "state"},
	)
	sendRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "link",
			Name:      "send_rejections_total",
			Help:      "Sends refused before reaching the transport, by status code.",
		},
		[]string{"role", "code"},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made by the reconnecting client.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesTotal,
			frameBytes,
			activeConnections,
			registrations,
			terminalTransitions,
			sendRejections,
			reconnects,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrameIn(role string, payloadBytes int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(role, "in").Inc()
	frameBytes.WithLabelValues(role, "in").Add(float64(payloadBytes))
}

func RecordFrameOut(role string, payloadBytes int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(role, "out").Inc()
	frameBytes.WithLabelValues(role, "out").Add(float64(payloadBytes))
}

func ConnectionOpened(role string) {
	RegisterMetrics()
	activeConnections.WithLabelValues(role).Inc()
}

func ConnectionClosed(role string) {
	RegisterMetrics()
	activeConnections.WithLabelValues(role).Dec()
}

func RecordRegistration(role string, accepted bool) {
	RegisterMetrics()
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	registrations.WithLabelValues(role, result).Inc()
}

func RecordTerminal(role, state string) {
	RegisterMetrics()
	terminalTransitions.WithLabelValues(role, state).Inc()
}

func RecordSendRejection(role string, code int) {
	RegisterMetrics()
	sendRejections.WithLabelValues(role, strconv.Itoa(code)).Inc()
}

func RecordReconnectAttempt() {
	RegisterMetrics()
	reconnects.Inc()
}
