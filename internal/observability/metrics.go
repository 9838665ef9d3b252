package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bus_hub"

var (
	SessionsLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_live", Help: "Live registry sessions per device class"},
		[]string{"class"},
	)
	AdminSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "admin_sessions", Help: "Connected admin observers"})

	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "frames_total", Help: "Inbound socket frames by channel and message type"},
		[]string{"channel", "type"},
	)
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "frames_dropped_total", Help: "Inbound frames discarded as malformed or incomplete"},
		[]string{"channel", "reason"},
	)
	SendsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sends_failed_total", Help: "Best-effort sends to unknown or closed sockets"},
		[]string{"class"},
	)
	ChangeEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "change_events_dropped_total", Help: "Registry change events dropped by slow subscribers"})
	AdminBroadcasts     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "admin_broadcasts_total", Help: "Events fanned out to admin observers"},
		[]string{"type"},
	)

	ProximityTickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "proximity_tick_seconds", Help: "Proximity pass latency seconds", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8)})
	ProximityEvents      = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "proximity_events_total", Help: "Rider notifications emitted by the proximity engine"},
		[]string{"type"},
	)
	RideRequestsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ride_requests_open", Help: "Ride requests currently held in memory"})

	JournalDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "journal_dropped_total", Help: "Ride journal rows dropped because the queue was full or the write failed"})
	PushFallbackDropped    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "push_fallback_dropped_total", Help: "Rider pushes dropped because too many provider calls were in flight"})
	TelemetryPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "telemetry_publish_errors_total", Help: "Bus telemetry messages that failed to reach the stream"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
