package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription gateway
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Inbound frame metrics
	AudioFramesReceived   prometheus.Counter
	ControlFramesReceived prometheus.Counter
	MalformedFrames       prometheus.Counter

	// Segmentation metrics
	SegmentsGenerated prometheus.Counter
	SegmentDuration   prometheus.Histogram
	ForceCuts         prometheus.Counter

	// Event metrics
	EventsEmitted *prometheus.CounterVec

	// Worker pool metrics
	PoolQueueDepth prometheus.Gauge
	PoolSaturation prometheus.Gauge
	PoolFailures   prometheus.Counter

	// Transcription backend metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wg_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wg_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Inbound frame metrics
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_audio_frames_received_total",
			Help: "Total number of binary audio frames received",
		}),
		ControlFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_control_frames_received_total",
			Help: "Total number of control frames received",
		}),
		MalformedFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_malformed_frames_total",
			Help: "Total number of frames rejected as malformed",
		}),

		// Segmentation metrics
		SegmentsGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_segments_generated_total",
			Help: "Total number of speech segments generated",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wg_segment_duration_seconds",
			Help:    "Duration of generated speech segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s to ~32s
		}),
		ForceCuts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_segment_force_cuts_total",
			Help: "Total number of segments cut at the maximum duration",
		}),

		// Event metrics
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wg_events_emitted_total",
			Help: "Total number of events emitted to clients",
		}, []string{"type"}),

		// Worker pool metrics
		PoolQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wg_pool_queue_depth",
			Help: "Current number of jobs waiting in the worker pool queue",
		}),
		PoolSaturation: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wg_pool_saturation",
			Help: "Worker pool queue fill fraction between 0 and 1",
		}),
		PoolFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_pool_failures_total",
			Help: "Total number of jobs that completed with an error",
		}),

		// Transcription backend metrics
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wg_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		TranscriptionRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wg_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wg_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wg_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionClosed increments the sessions closed counter and records duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordAudioFrame increments the audio frames received counter
func (m *Metrics) RecordAudioFrame() {
	m.AudioFramesReceived.Inc()
}

// RecordControlFrame increments the control frames received counter
func (m *Metrics) RecordControlFrame() {
	m.ControlFramesReceived.Inc()
}

// RecordMalformedFrame increments the malformed frames counter
func (m *Metrics) RecordMalformedFrame() {
	m.MalformedFrames.Inc()
}

// RecordSegment increments the segment counter and records its duration,
// counting a force cut when the segment was truncated at the cap
func (m *Metrics) RecordSegment(durationSeconds float64, forceCut bool) {
	m.SegmentsGenerated.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	if forceCut {
		m.ForceCuts.Inc()
	}
}

// RecordEvent increments the emitted events counter for the given type
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// SetPoolGauges updates the worker pool queue gauges
func (m *Metrics) SetPoolGauges(queueDepth int, saturation float64) {
	m.PoolQueueDepth.Set(float64(queueDepth))
	m.PoolSaturation.Set(saturation)
}

// RecordPoolFailure increments the pool failure counter
func (m *Metrics) RecordPoolFailure() {
	m.PoolFailures.Inc()
}

// RecordTranscription records the outcome of one transcription request
func (m *Metrics) RecordTranscription(success bool, durationSeconds float64, retries int) {
	m.TranscriptionRequests.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
	if success {
		m.TranscriptionSuccesses.Inc()
	} else {
		m.TranscriptionFailures.Inc()
	}
	if retries > 0 {
		m.TranscriptionRetries.Add(float64(retries))
	}
}

// RecordHTTPRequest records an HTTP request with its duration
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
