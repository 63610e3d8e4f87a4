// Package metrics holds the Prometheus collectors of the voice server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the tutor server
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	Connects        prometheus.Counter
	ConnectFailures prometheus.Counter
	TransportErrors prometheus.Counter

	// Audio metrics
	FramesSent      prometheus.Counter
	FramesDropped   prometheus.Counter
	ChunksScheduled prometheus.Counter
	ChunksDropped   prometheus.Counter
	Interruptions   prometheus.Counter
	ScheduledAudio  prometheus.Histogram

	// Conversation log metrics
	MessagesCommitted   *prometheus.CounterVec
	PersistenceFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "aria_active_voice_sessions",
			Help: "Current number of voice sessions not idle",
		}),
		Connects: f.NewCounter(prometheus.CounterOpts{
			Name: "aria_voice_connects_total",
			Help: "Total number of live sessions opened",
		}),
		ConnectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "aria_voice_connect_failures_total",
			Help: "Total number of live sessions that failed to open",
		}),
		TransportErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "aria_voice_transport_errors_total",
			Help: "Total number of live sessions ended by a transport error",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "aria_capture_frames_sent_total",
			Help: "Total number of microphone frames sent upstream",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "aria_capture_frames_dropped_total",
			Help: "Total number of microphone frames dropped (muted or send failure)",
		}),
		ChunksScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "aria_playback_chunks_scheduled_total",
			Help: "Total number of audio chunks scheduled for playback",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "aria_playback_chunks_dropped_total",
			Help: "Total number of undecodable audio chunks dropped",
		}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Name: "aria_playback_interruptions_total",
			Help: "Total number of playback interruptions",
		}),
		ScheduledAudio: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "aria_playback_chunk_duration_seconds",
			Help:    "Duration of scheduled audio chunks",
			Buckets: []float64{0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
		}),
		MessagesCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aria_conversation_messages_total",
			Help: "Total number of conversation messages committed",
		}, []string{"role", "source"}),
		PersistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "aria_conversation_persistence_failures_total",
			Help: "Total number of conversation messages that failed to persist",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aria_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
	}
}

// NewNop returns metrics registered nowhere, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
