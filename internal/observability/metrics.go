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
			Namespace: "ndp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ndp",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ndp",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Control sessions started, by role.",
		},
		[]string{"role"},
	)
	sessionsEstablished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ndp",
			Subsystem: "session",
			Name:      "established_total",
			Help:      "Control sessions that reached active, by role and codec.",
		},
		[]string{"role", "codec"},
	)
	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ndp",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Control sessions that reached closed, by role and termination reason.",
		},
		[]string{"role", "reason"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ndp",
			Subsystem: "session",
			Name:      "active",
			Help:      "Control sessions currently active.",
		},
		[]string{"role"},
	)
	pingRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ndp",
			Subsystem: "session",
			Name:      "ping_rtt_seconds",
			Help:      "Ping to Pong round trip in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"role"},
	)
	controlMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ndp",
			Subsystem: "control",
			Name:      "messages_total",
			Help:      "Control messages sent and received, by direction and type.",
		},
		[]string{"direction", "type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionsStarted, sessionsEstablished, sessionsEnded, sessionsActive,
			pingRTT, controlMessages,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionStarted(role string) {
	RegisterMetrics()
	sessionsStarted.WithLabelValues(role).Inc()
}

func RecordSessionEstablished(role, codec string) {
	RegisterMetrics()
	sessionsEstablished.WithLabelValues(role, codec).Inc()
	sessionsActive.WithLabelValues(role).Inc()
}

// RecordSessionEnded counts a termination; wasActive releases the active
// gauge taken by RecordSessionEstablished.
func RecordSessionEnded(role, reason string, wasActive bool) {
	RegisterMetrics()
	sessionsEnded.WithLabelValues(role, reason).Inc()
	if wasActive {
		sessionsActive.WithLabelValues(role).Dec()
	}
}

func RecordPingRTT(role string, rtt time.Duration) {
	RegisterMetrics()
	pingRTT.WithLabelValues(role).Observe(rtt.Seconds())
}

func RecordControlMessage(direction, msgType string) {
	RegisterMetrics()
	controlMessages.WithLabelValues(direction, msgType).Inc()
}
