package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sshConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sshd",
			Subsystem: "ssh",
			Name:      "connections_total",
			Help:      "Accepted TCP connections.",
		},
		[]string{"backend"},
	)
	sshActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sshd",
			Subsystem: "ssh",
			Name:      "active_connections",
			Help:      "Connections currently past the handshake.",
		},
	)
	sshHandshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sshd",
			Subsystem: "ssh",
			Name:      "handshake_failures_total",
			Help:      "Failed SSH handshakes.",
		},
	)
	sshAuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sshd",
			Subsystem: "ssh",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by method and result.",
		},
		[]string{"method", "success"},
	)
	sshChannels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sshd",
			Subsystem: "ssh",
			Name:      "channels_total",
			Help:      "Channel open requests by type and result.",
		},
		[]string{"type", "accepted"},
	)
	sshSessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sshd",
			Subsystem: "ssh",
			Name:      "session_duration_seconds",
			Help:      "Session channel lifetime in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sshd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sshd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sshConnections,
			sshActive,
			sshHandshakeFailures,
			sshAuthAttempts,
			sshChannels,
			sshSessionDuration,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordConnection(backend string) {
	RegisterMetrics()
	sshConnections.WithLabelValues(backend).Inc()
}

// TrackActive adjusts the active connection gauge by delta.
func TrackActive(delta int) {
	RegisterMetrics()
	sshActive.Add(float64(delta))
}

func RecordHandshakeFailure() {
	RegisterMetrics()
	sshHandshakeFailures.Inc()
}

func RecordAuthAttempt(method string, success bool) {
	RegisterMetrics()
	sshAuthAttempts.WithLabelValues(method, strconv.FormatBool(success)).Inc()
}

func RecordChannel(channelType string, accepted bool) {
	RegisterMetrics()
	sshChannels.WithLabelValues(channelType, strconv.FormatBool(accepted)).Inc()
}

func RecordSession(kind string, status int, duration time.Duration) {
	RegisterMetrics()
	sshSessionDuration.WithLabelValues(kind, strconv.Itoa(status)).Observe(duration.Seconds())
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
