// Package metrics exposes pipeline telemetry in Prometheus format.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// LatencyBuckets are the millisecond buckets shared by every latency
// histogram.
var LatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500}

// modelStages are the stages folded into latency_model_ms.
var modelStages = []string{
	perception.StageDetect,
	perception.StageTrack,
	perception.StageSegment,
	perception.StageOCR,
}

// Metrics holds the collectors for one process. Each instance owns its
// registry so tests can build isolated copies.
type Metrics struct {
	registry *prometheus.Registry

	latencyPre   prometheus.Histogram
	latencyModel prometheus.Histogram
	latencyPost  prometheus.Histogram
	stageLatency *prometheus.HistogramVec
	fps          prometheus.Gauge

	frames         *prometheus.CounterVec
	frameErrors    *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	annotatedSaved prometheus.Counter
	evaluations    prometheus.Counter

	ActiveStreams atomic.Int64
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.latencyPre = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latency_pre_ms",
		Help:    "Pre-processing latency",
		Buckets: LatencyBuckets,
	})
	m.latencyModel = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latency_model_ms",
		Help:    "Model latency (detect, track, segment and ocr stages)",
		Buckets: LatencyBuckets,
	})
	m.latencyPost = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latency_post_ms",
		Help:    "Post-processing latency",
		Buckets: LatencyBuckets,
	})
	m.stageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stage_latency_ms",
		Help:    "Per-stage latency",
		Buckets: LatencyBuckets,
	}, []string{"stage"})
	m.fps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fps",
		Help: "Frames per second of the most recent frame",
	})
	m.frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Frames processed by profile",
	}, []string{"profile"})
	m.frameErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frame_errors_total",
		Help: "Frames that failed before an event could be assembled",
	}, []string{"kind"})
	m.providerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_errors_total",
		Help: "Provider calls that failed or panicked",
	}, []string{"capability"})
	m.annotatedSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "annotated_frames_saved_total",
		Help: "Annotated frames written to run directories",
	})
	m.evaluations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evaluations_total",
		Help: "Evaluations computed",
	})

	m.registry.MustRegister(
		m.latencyPre, m.latencyModel, m.latencyPost, m.stageLatency, m.fps,
		m.frames, m.frameErrors, m.providerErrors, m.annotatedSaved, m.evaluations,
	)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "active_streams",
			Help: "Video streams currently running",
		},
		func() float64 { return float64(m.ActiveStreams.Load()) },
	))
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvent records the timings and fps of a completed frame.
func (m *Metrics) ObserveEvent(ev *perception.Event) {
	if m == nil || ev == nil {
		return
	}
	for stage, ms := range ev.Timings {
		m.stageLatency.WithLabelValues(stage).Observe(ms)
	}
	m.latencyPre.Observe(ev.Timings[perception.StagePre])
	var model float64
	for _, s := range modelStages {
		model += ev.Timings[s]
	}
	m.latencyModel.Observe(model)
	m.latencyPost.Observe(ev.Timings[perception.StagePost])
	m.fps.Set(ev.FPS)

	profile := ev.Profile
	if profile == "" {
		profile = "unknown"
	}
	m.frames.WithLabelValues(profile).Inc()
}

// ProviderError counts a failed call for capability.
func (m *Metrics) ProviderError(capability string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(capability).Inc()
}

// FrameError counts a frame-level failure such as "decode" or "registry".
func (m *Metrics) FrameError(kind string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(kind).Inc()
}

// AnnotatedSaved counts a persisted annotated frame.
func (m *Metrics) AnnotatedSaved() {
	if m == nil {
		return
	}
	m.annotatedSaved.Inc()
}

// EvaluationDone counts a completed evaluation.
func (m *Metrics) EvaluationDone() {
	if m == nil {
		return
	}
	m.evaluations.Inc()
}

// ActiveStreamsAdd adjusts the running stream gauge.
func (m *Metrics) ActiveStreamsAdd(delta int64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(delta)
}
