package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	ErrorKindParse         = "parse"
	ErrorKindTransport     = "transport"
	ErrorKindProtocol      = "protocol"
	ErrorKindSerialization = "serialization"
)

var (
	registerOnce sync.Once

	innerFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastotv",
			Subsystem: "inner",
			Name:      "frames_total",
			Help:      "Inner protocol frames by direction, stage and command.",
		},
		[]string{"direction", "stage", "command"},
	)
	innerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastotv",
			Subsystem: "inner",
			Name:      "errors_total",
			Help:      "Inner protocol failures by kind.",
		},
		[]string{"kind"},
	)
	innerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fastotv",
			Subsystem: "inner",
			Name:      "connected",
			Help:      "1 while the primary connection is live.",
		},
	)
	innerPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fastotv",
			Subsystem: "inner",
			Name:      "pending_requests",
			Help:      "Requests awaiting a RESPONSE.",
		},
	)
	innerExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastotv",
			Subsystem: "inner",
			Name:      "requests_expired_total",
			Help:      "Requests dropped after the request timeout.",
		},
		[]string{"command"},
	)
	innerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastotv",
			Subsystem: "inner",
			Name:      "events_total",
			Help:      "Application events published by kind and outcome.",
		},
		[]string{"kind", "success"},
	)
	bandwidthProbes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fastotv",
			Subsystem: "bandwidth",
			Name:      "probes_active",
			Help:      "Bandwidth probes currently tracked.",
		},
	)
	bandwidthEstimate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fastotv",
			Subsystem: "bandwidth",
			Name:      "bytes_per_second",
			Help:      "Last bandwidth sample per host role.",
		},
		[]string{"role"},
	)
	adminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastotv",
			Subsystem: "admin",
			Name:      "http_requests_total",
			Help:      "Admin HTTP requests by method, route and status.",
		},
		[]string{"app", "method", "path", "status"},
	)
	adminDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fastotv",
			Subsystem: "admin",
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			innerFrames,
			innerErrors,
			innerConnected,
			innerPending,
			innerExpired,
			innerEvents,
			bandwidthProbes,
			bandwidthEstimate,
			adminRequests,
			adminDuration,
		)
	})
}

func RecordFrame(direction, stage, command string) {
	RegisterMetrics()
	innerFrames.WithLabelValues(direction, stage, command).Inc()
}

func RecordError(kind string) {
	RegisterMetrics()
	innerErrors.WithLabelValues(kind).Inc()
}

func SetConnected(connected bool) {
	RegisterMetrics()
	if connected {
		innerConnected.Set(1)
		return
	}
	innerConnected.Set(0)
}

func SetPendingRequests(n int) {
	RegisterMetrics()
	innerPending.Set(float64(n))
}

func RecordRequestExpired(command string) {
	RegisterMetrics()
	innerExpired.WithLabelValues(command).Inc()
}

func RecordEvent(kind string, success bool) {
	RegisterMetrics()
	label := "true"
	if !success {
		label = "false"
	}
	innerEvents.WithLabelValues(kind, label).Inc()
}

func SetActiveProbes(n int) {
	RegisterMetrics()
	bandwidthProbes.Set(float64(n))
}

func SetBandwidth(role string, bytesPerSecond uint64) {
	RegisterMetrics()
	bandwidthEstimate.WithLabelValues(role).Set(float64(bytesPerSecond))
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	adminRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	adminDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}
