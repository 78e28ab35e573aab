// Package metrics provides Prometheus metrics for the capture and
// transcription pipeline. All recording methods are safe on a nil *Metrics,
// which is how tests and one-shot commands run without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "localwhisper"

// Metrics holds all Prometheus collectors for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Recording metrics
	RecordingsTotal  prometheus.Counter
	RecordingsActive prometheus.Gauge
	DeviceErrors     prometheus.Counter
	ChunksCaptured   prometheus.Counter
	ChunkTicksSkip   prometheus.Counter

	// Transcript metrics
	PartialsPublished prometheus.Counter
	PartialsFailed    prometheus.Counter
	FinalsPublished   prometheus.Counter

	// Backend metrics
	TranscribeTotal  *prometheus.CounterVec
	TranscribeErrors *prometheus.CounterVec
	InferenceSeconds *prometheus.HistogramVec
	TotalSeconds     *prometheus.HistogramVec
	RealtimeFactor   *prometheus.HistogramVec

	// Sink metrics
	SinkPublishTotal *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	latencyBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

	return &Metrics{
		registry: reg,

		RecordingsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Total number of recordings started",
		}),
		RecordingsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recordings_active",
			Help:      "Number of recordings currently capturing audio",
		}),
		DeviceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Total number of failed microphone acquisitions",
		}),
		ChunksCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_captured_total",
			Help:      "Total number of audio chunks appended to recordings",
		}),
		ChunkTicksSkip: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_ticks_skipped_total",
			Help:      "Chunk ticks whose callback was skipped because one was already in flight",
		}),

		PartialsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partials_published_total",
			Help:      "Total number of partial transcriptions published",
		}),
		PartialsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partials_failed_total",
			Help:      "Total number of partial passes that failed and were discarded",
		}),
		FinalsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finals_published_total",
			Help:      "Total number of final transcriptions published",
		}),

		TranscribeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcribe_total",
			Help:      "Total number of backend transcription calls",
		}, []string{"backend", "pass"}),
		TranscribeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcribe_errors_total",
			Help:      "Total number of failed transcription calls",
		}, []string{"backend", "pass", "kind"}),
		InferenceSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Wall-clock time spent inside the backend call",
			Buckets:   latencyBuckets,
		}, []string{"backend", "pass"}),
		TotalSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcribe_seconds",
			Help:      "Wall-clock time of the whole transcription including preprocessing",
			Buckets:   latencyBuckets,
		}, []string{"backend", "pass"}),
		RealtimeFactor: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "realtime_factor",
			Help:      "Processing time divided by audio duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"backend"}),

		SinkPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_publish_total",
			Help:      "Total number of transcript events delivered to sinks",
		}, []string{"sink", "kind", "status"}),
	}
}

// Handler returns an HTTP handler exposing this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordingStarted records a successful microphone acquisition.
func (m *Metrics) RecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsTotal.Inc()
	m.RecordingsActive.Inc()
}

// RecordingEnded records the release of the microphone.
func (m *Metrics) RecordingEnded() {
	if m == nil {
		return
	}
	m.RecordingsActive.Dec()
}

// DeviceError records a failed microphone acquisition.
func (m *Metrics) DeviceError() {
	if m == nil {
		return
	}
	m.DeviceErrors.Inc()
}

// ChunkCaptured records one appended chunk.
func (m *Metrics) ChunkCaptured() {
	if m == nil {
		return
	}
	m.ChunksCaptured.Inc()
}

// ChunkTickSkipped records a tick whose callback was not run.
func (m *Metrics) ChunkTickSkipped() {
	if m == nil {
		return
	}
	m.ChunkTicksSkip.Inc()
}

// PartialPublished records a published partial transcription.
func (m *Metrics) PartialPublished() {
	if m == nil {
		return
	}
	m.PartialsPublished.Inc()
}

// PartialFailed records a discarded partial pass.
func (m *Metrics) PartialFailed() {
	if m == nil {
		return
	}
	m.PartialsFailed.Inc()
}

// FinalPublished records a published final transcription.
func (m *Metrics) FinalPublished() {
	if m == nil {
		return
	}
	m.FinalsPublished.Inc()
}

// ObserveTranscription records the timings of a successful backend call.
// pass is "partial" or "final".
func (m *Metrics) ObserveTranscription(backend, pass string, inferenceSeconds, totalSeconds, rtf float64) {
	if m == nil {
		return
	}
	m.TranscribeTotal.WithLabelValues(backend, pass).Inc()
	m.InferenceSeconds.WithLabelValues(backend, pass).Observe(inferenceSeconds)
	m.TotalSeconds.WithLabelValues(backend, pass).Observe(totalSeconds)
	if rtf > 0 {
		m.RealtimeFactor.WithLabelValues(backend).Observe(rtf)
	}
}

// TranscriptionFailed records a failed backend call. kind is a short error
// class such as "timeout", "inference", "decode" or "unavailable".
func (m *Metrics) TranscriptionFailed(backend, pass, kind string) {
	if m == nil {
		return
	}
	m.TranscribeTotal.WithLabelValues(backend, pass).Inc()
	m.TranscribeErrors.WithLabelValues(backend, pass, kind).Inc()
}

// SinkPublished records delivery of an event to a sink.
func (m *Metrics) SinkPublished(sink, kind string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SinkPublishTotal.WithLabelValues(sink, kind, status).Inc()
}
