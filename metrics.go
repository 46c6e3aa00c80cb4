package scopestream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments of the acquisition pipeline. All
// methods accept a nil receiver, so components work without metrics.
type Metrics struct {
	framesPublished prometheus.Counter
	frameSamples    prometheus.Histogram
	samplesIngested *prometheus.CounterVec
	samplesDropped  *prometheus.CounterVec
	triggerMisses   prometheus.Counter
	cyclesIgnored   prometheus.Counter
	running         prometheus.Gauge
}

// NewMetrics creates the pipeline metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		framesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "scopestream_frames_published_total",
			Help: "Frames published to the render context",
		}),
		frameSamples: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scopestream_frame_samples",
			Help:    "Samples in the published window per frame",
			Buckets: prometheus.ExponentialBuckets(16, 2, 10), // 16 to 8192
		}),
		samplesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scopestream_samples_ingested_total",
			Help: "Samples stored in capture buffers, by channel",
		}, []string{"channel"}),
		samplesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scopestream_samples_dropped_total",
			Help: "Samples discarded because a capture buffer was full, by channel",
		}, []string{"channel"}),
		triggerMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "scopestream_trigger_misses_total",
			Help: "Cycles in which no trigger edge was found",
		}),
		cyclesIgnored: factory.NewCounter(prometheus.CounterOpts{
			Name: "scopestream_duplicate_completions_total",
			Help: "End-of-run notifications ignored because the cycle was already published",
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scopestream_running",
			Help: "1 while acquisition is running",
		}),
	}
}

func (m *Metrics) framePublished(n int) {
	if m == nil {
		return
	}
	m.framesPublished.Inc()
	m.frameSamples.Observe(float64(n))
}

func (m *Metrics) ingested(label string, stored, dropped int) {
	if m == nil {
		return
	}
	m.samplesIngested.WithLabelValues(label).Add(float64(stored))
	if dropped > 0 {
		m.samplesDropped.WithLabelValues(label).Add(float64(dropped))
	}
}

func (m *Metrics) triggerMiss() {
	if m == nil {
		return
	}
	m.triggerMisses.Inc()
}

func (m *Metrics) duplicateCompletion() {
	if m == nil {
		return
	}
	m.cyclesIgnored.Inc()
}

func (m *Metrics) setRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}
