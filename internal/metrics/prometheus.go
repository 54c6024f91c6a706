package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/engine"
)

// Metrics contains all Prometheus metrics for the call scoring service. It
// implements engine.Observer.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	QueueSize        prometheus.Gauge

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Master call metrics
	MasterLoads        *prometheus.CounterVec
	MasterLoadDuration prometheus.Histogram

	// Audio processing metrics
	ChunksProcessed  prometheus.Counter
	ChunksDropped    *prometheus.CounterVec
	SamplesProcessed prometheus.Counter
	FramesExtracted  prometheus.Counter
	ChunkProcessTime prometheus.Histogram

	// Finalize metrics
	Finalizations    *prometheus.CounterVec
	FinalScore       prometheus.Histogram
	FinalizeDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// UDP packet metrics
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "callscore_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "callscore_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "callscore_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscore_packets_dropped_total",
			Help: "Total number of UDP packets dropped before processing",
		}, []string{"reason"}),
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "callscore_packet_queue_size",
			Help: "Current number of packets in processing queues",
		}),

		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "callscore_active_sessions",
			Help: "Current number of active analysis sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "callscore_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Name: "callscore_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}),
		SessionsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "callscore_sessions_failed_total",
			Help: "Total number of sessions failed by a processing error",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callscore_session_duration_seconds",
			Help:    "Lifetime of analysis sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Master call metrics
		MasterLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscore_master_loads_total",
			Help: "Total number of master call loads by status",
		}, []string{"status"}),
		MasterLoadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callscore_master_load_duration_seconds",
			Help:    "Time spent resolving master calls",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		}),

		// Audio processing metrics
		ChunksProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "callscore_chunks_processed_total",
			Help: "Total number of audio chunks processed",
		}),
		ChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscore_chunks_dropped_total",
			Help: "Total number of audio chunks refused by sessions",
		}, []string{"reason"}),
		SamplesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "callscore_samples_processed_total",
			Help: "Total number of audio samples processed",
		}),
		FramesExtracted: f.NewCounter(prometheus.CounterOpts{
			Name: "callscore_frames_extracted_total",
			Help: "Total number of MFCC frames extracted",
		}),
		ChunkProcessTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callscore_chunk_processing_duration_seconds",
			Help:    "Time spent extracting and aligning one chunk",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10us to ~0.3s
		}),

		// Finalize metrics
		Finalizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscore_finalizations_total",
			Help: "Total number of finalized sessions by grade",
		}, []string{"grade"}),
		FinalScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callscore_final_score",
			Help:    "Similarity score at finalize",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callscore_finalize_duration_seconds",
			Help:    "Time spent in refined analysis",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscore_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callscore_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscore_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordPacketDropped counts a packet dropped before reaching a session
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// SessionCreated implements engine.Observer.
func (m *Metrics) SessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// SessionDestroyed implements engine.Observer.
func (m *Metrics) SessionDestroyed(lifetime time.Duration) {
	m.SessionsDestroyed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// SessionFailed implements engine.Observer.
func (m *Metrics) SessionFailed() {
	m.SessionsFailed.Inc()
}

// MasterLoaded implements engine.Observer.
func (m *Metrics) MasterLoaded(status engine.Status, d time.Duration) {
	m.MasterLoads.WithLabelValues(status.String()).Inc()
	m.MasterLoadDuration.Observe(d.Seconds())
}

// ChunkProcessed implements engine.Observer.
func (m *Metrics) ChunkProcessed(samples, frames int, d time.Duration) {
	m.ChunksProcessed.Inc()
	m.SamplesProcessed.Add(float64(samples))
	m.FramesExtracted.Add(float64(frames))
	m.ChunkProcessTime.Observe(d.Seconds())
}

// ChunkDropped implements engine.Observer.
func (m *Metrics) ChunkDropped(reason engine.DropReason) {
	m.ChunksDropped.WithLabelValues(string(reason)).Inc()
}

// SessionFinalized implements engine.Observer.
func (m *Metrics) SessionFinalized(fm engine.FinalMetrics, d time.Duration) {
	m.Finalizations.WithLabelValues(string(fm.Grade)).Inc()
	m.FinalScore.Observe(fm.SimilarityAtFinalize)
	m.FinalizeDuration.Observe(d.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
