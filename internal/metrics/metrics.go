// Package metrics exposes the kernel's Prometheus instrumentation. All
// collectors register on the default registry and are scraped through
// GET /api/metrics on the admin surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request surfaces, used as the "surface" label on HTTP metrics.
const (
	SurfaceStatic   = "static"
	SurfaceFunction = "function"
	SurfaceRealtime = "realtime"
	SurfaceAdmin    = "admin"
)

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fazt",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request duration by serving surface.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"surface"},
	)
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fazt",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served, by surface and status code.",
		},
		[]string{"surface", "status"},
	)

	realtimeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fazt",
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Connected WebSocket clients across all hubs.",
	})
	realtimeChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fazt",
		Subsystem: "realtime",
		Name:      "channels",
		Help:      "Channels with at least one subscriber.",
	})
	broadcastTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fazt",
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Broadcasts published, by scope.",
		},
		[]string{"scope"},
	)
	droppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fazt",
		Subsystem: "realtime",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped because a client send queue was full.",
	})

	egressTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fazt",
			Subsystem: "egress",
			Name:      "requests_total",
			Help:      "Outbound fetches, by outcome (ok or NET_* code).",
		},
		[]string{"outcome"},
	)

	executionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fazt",
			Subsystem: "runtime",
			Name:      "executions_total",
			Help:      "Handler executions, by outcome.",
		},
		[]string{"outcome"},
	)
	executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fazt",
		Subsystem: "runtime",
		Name:      "execution_duration_seconds",
		Help:      "Handler execution duration inside the VM.",
		Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.25, 1, 2.5, 5},
	})

	deployTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fazt",
			Subsystem: "deploy",
			Name:      "total",
			Help:      "Deployments, by source kind.",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(
		requestDuration,
		requestTotal,
		realtimeClients,
		realtimeChannels,
		broadcastTotal,
		droppedFrames,
		egressTotal,
		executionTotal,
		executionDuration,
		deployTotal,
	)
}

// RecordRequest observes one served HTTP request.
func RecordRequest(surface string, status int, duration time.Duration) {
	requestTotal.WithLabelValues(surface, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(surface).Observe(duration.Seconds())
}

// ClientConnected bumps the connected-clients gauge.
func ClientConnected() { realtimeClients.Inc() }

// ClientDisconnected drops the connected-clients gauge.
func ClientDisconnected() { realtimeClients.Dec() }

// ChannelOpened bumps the live-channels gauge.
func ChannelOpened() { realtimeChannels.Inc() }

// ChannelsClosed drops the live-channels gauge by n.
func ChannelsClosed(n int) {
	if n > 0 {
		realtimeChannels.Sub(float64(n))
	}
}

// RecordBroadcast counts one broadcast and any frames dropped on full
// client queues. scope is "channel" or "all".
func RecordBroadcast(scope string, dropped int) {
	broadcastTotal.WithLabelValues(scope).Inc()
	if dropped > 0 {
		droppedFrames.Add(float64(dropped))
	}
}

// RecordEgress counts one outbound fetch. outcome is "ok" or the NET_*
// rejection code.
func RecordEgress(outcome string) {
	egressTotal.WithLabelValues(outcome).Inc()
}

// RecordExecution counts one handler execution. outcome is "ok",
// "error", or "interrupt".
func RecordExecution(outcome string, duration time.Duration) {
	executionTotal.WithLabelValues(outcome).Inc()
	executionDuration.Observe(duration.Seconds())
}

// RecordDeploy counts one deployment by source kind ("zip" or "git").
func RecordDeploy(source string) {
	deployTotal.WithLabelValues(source).Inc()
}

// RegisterGaugeFunc exposes a runtime-sampled value, such as write queue
// depth or VFS cache size, under fazt_<subsystem>_<name>. Registration
// conflicts are ignored so repeated bootstraps in tests stay quiet.
func RegisterGaugeFunc(subsystem, name, help string, fn func() float64) {
	_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fazt",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}
