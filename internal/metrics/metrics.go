// Package metrics provides Prometheus metrics for the render farm.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the render farm. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Frame metrics
	FramesRendered *prometheus.CounterVec
	FramesFailed   *prometheus.CounterVec
	FramesSkipped  *prometheus.CounterVec
	InFlightFrames prometheus.Gauge

	// Timing metrics
	RenderDuration  *prometheus.HistogramVec
	PrepareDuration prometheus.Histogram
	UploadDuration  prometheus.Histogram

	// Output metrics
	ArtifactsReconciled *prometheus.CounterVec
	UploadsTotal        *prometheus.CounterVec
	SceneUploads        *prometheus.CounterVec

	// Batch metrics
	BatchesTotal *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init registers the farm metrics with the default registry and makes them
// available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(prometheus.DefaultRegisterer, namespace)
	return defaultMetrics
}

// New creates the farm metrics on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "render_farm"
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesRendered: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_rendered_total",
				Help:      "Total number of frames rendered successfully",
			},
			[]string{"scene"},
		),
		FramesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_failed_total",
				Help:      "Total number of frames that failed to render",
			},
			[]string{"scene", "stage"},
		),
		FramesSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_skipped_total",
				Help:      "Total number of frames skipped on resume",
			},
			[]string{"scene"},
		),
		InFlightFrames: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_frames",
				Help:      "Number of frames currently being rendered",
			},
		),
		RenderDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_render_duration_seconds",
				Help:      "Wall time of a frame unit (redirect, render, collect)",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
			},
			[]string{"scene"},
		),
		PrepareDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scene_prepare_duration_seconds",
				Help:      "Time to unpack and upload a scene",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		UploadDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_upload_duration_seconds",
				Help:      "Time to upload one reconciled artifact",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		ArtifactsReconciled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_reconciled_total",
				Help:      "Artifacts copied to their final location",
			},
			[]string{"matched"},
		),
		UploadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_uploads_total",
				Help:      "Artifact upload attempts by result",
			},
			[]string{"result"},
		),
		SceneUploads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scene_uploads_total",
				Help:      "Scene uploads to shared storage by result",
			},
			[]string{"result"},
		),
		BatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Batches run by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the scrape handler with a health endpoint next to it.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler())
}

// FrameStarted bumps the in-flight gauge.
func (m *Metrics) FrameStarted() {
	if m == nil {
		return
	}
	m.InFlightFrames.Inc()
}

// FrameFinished drops the in-flight gauge and records the outcome. stage is
// empty for a successful frame.
func (m *Metrics) FrameFinished(scene, stage string, seconds float64) {
	if m == nil {
		return
	}
	m.InFlightFrames.Dec()
	m.RenderDuration.WithLabelValues(scene).Observe(seconds)
	if stage == "" {
		m.FramesRendered.WithLabelValues(scene).Inc()
		return
	}
	m.FramesFailed.WithLabelValues(scene, stage).Inc()
}

// AddFramesSkipped counts frames skipped on resume.
func (m *Metrics) AddFramesSkipped(scene string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FramesSkipped.WithLabelValues(scene).Add(float64(n))
}

// ObservePrepareDuration records the scene preparation time.
func (m *Metrics) ObservePrepareDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PrepareDuration.Observe(seconds)
}

// IncSceneUploads counts a scene upload ("uploaded" or "skipped").
func (m *Metrics) IncSceneUploads(result string) {
	if m == nil {
		return
	}
	m.SceneUploads.WithLabelValues(result).Inc()
}

// IncArtifactsReconciled counts a reconciled artifact.
func (m *Metrics) IncArtifactsReconciled(matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.ArtifactsReconciled.WithLabelValues(label).Inc()
}

// ObserveUpload records an artifact upload ("ok", "error" or "skipped").
func (m *Metrics) ObserveUpload(result string, seconds float64) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.UploadDuration.Observe(seconds)
	}
}

// IncBatches counts a finished batch ("complete", "partial", "failed").
func (m *Metrics) IncBatches(outcome string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(outcome).Inc()
}
