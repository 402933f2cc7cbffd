// Package metrics exposes Prometheus collectors for sessions, the signaling relay and the archive worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay frame outcomes.
const (
	FrameRelayed     = "relayed"
	FrameRejected    = "rejected"
	FrameRateLimited = "rate_limited"
)

// Archive job outcomes.
const (
	ArchiveDone    = "done"
	ArchiveRetried = "retried"
	ArchiveDead    = "dead"
)

var (
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_session_events_total",
			Help: "Video session lifecycle transitions",
		},
		[]string{"event", "reason"},
	)

	realtimeSockets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_sockets",
			Help: "Open relay WebSocket connections",
		},
		[]string{"kind"},
	)

	relayFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_frames_total",
			Help: "Client frames received by the relay, by outcome",
		},
		[]string{"result"},
	)

	archiveJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_archive_jobs_total",
			Help: "Session archive jobs processed, by outcome",
		},
		[]string{"result"},
	)

	archiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_archive_duration_seconds",
			Help:    "Time to build and upload one session archive",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(sessionEvents, realtimeSockets, relayFrames, archiveJobs, archiveDuration)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionEvent counts a lifecycle transition. reason is empty except for ended sessions.
func RecordSessionEvent(event, reason string) {
	sessionEvents.WithLabelValues(event, reason).Inc()
}

// SocketOpened and SocketClosed track open relay sockets by topic kind ("room" or "user").
func SocketOpened(kind string) {
	realtimeSockets.WithLabelValues(kind).Inc()
}

func SocketClosed(kind string) {
	realtimeSockets.WithLabelValues(kind).Dec()
}

// RecordFrame counts a client frame by outcome.
func RecordFrame(result string) {
	relayFrames.WithLabelValues(result).Inc()
}

// RecordArchive counts an archive job by outcome and, when it finished, how long it took.
func RecordArchive(result string, took time.Duration) {
	archiveJobs.WithLabelValues(result).Inc()
	if result == ArchiveDone {
		archiveDuration.Observe(took.Seconds())
	}
}
