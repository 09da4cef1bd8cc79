package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Per-frame pipeline counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64
	FramesDropped   atomic.Uint64
	Detections      atomic.Uint64
	ZoneHits        atomic.Uint64

	// Error counters
	DetectionErrors atomic.Uint64
	AnnotateErrors  atomic.Uint64
	FlushErrors     atomic.Uint64
	Reconnects      atomic.Uint64

	// Latency tracking
	DetectLatencyMs atomic.Uint64
	FrameLatencyMs  atomic.Uint64

	// Session and viewer tracking
	ActiveSessions atomic.Uint64
	ActiveViewers  atomic.Uint64
	TotalViewers   atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"zonewatch_frames_read_total", "Total frames read from camera sources", m.FramesRead.Load},
		{"zonewatch_frames_processed_total", "Total frames through the detection pipeline", m.FramesProcessed.Load},
		{"zonewatch_frames_skipped_total", "Total loop iterations skipped while a source was not ready", m.FramesSkipped.Load},
		{"zonewatch_frames_dropped_total", "Total frames dropped for slow viewers", m.FramesDropped.Load},
		{"zonewatch_detections_total", "Total detections surviving the class and confidence filter", m.Detections.Load},
		{"zonewatch_zone_hits_total", "Total zone memberships recorded", m.ZoneHits.Load},
		{"zonewatch_detection_errors_total", "Total single-frame detector failures", m.DetectionErrors.Load},
		{"zonewatch_annotate_errors_total", "Total frame annotation failures", m.AnnotateErrors.Load},
		{"zonewatch_flush_errors_total", "Total stats persistence failures", m.FlushErrors.Load},
		{"zonewatch_reconnects_total", "Total source reconnect cycles", m.Reconnects.Load},
		{"zonewatch_detect_latency_ms", "Latest detector round-trip in milliseconds", m.DetectLatencyMs.Load},
		{"zonewatch_frame_latency_ms", "Latest capture-to-publish latency in milliseconds", m.FrameLatencyMs.Load},
		{"zonewatch_active_sessions", "Number of live camera sessions", m.ActiveSessions.Load},
		{"zonewatch_active_viewers", "Number of connected viewers across all sessions", m.ActiveViewers.Load},
		{"zonewatch_total_viewers", "Total viewer subscriptions served", m.TotalViewers.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// UpdateDetectLatency records the duration of one detector round trip
func (m *Metrics) UpdateDetectLatency(d time.Duration) {
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateFrameLatency records capture-to-publish latency for one frame
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	m.FrameLatencyMs.Store(uint64(time.Since(captureTime).Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
