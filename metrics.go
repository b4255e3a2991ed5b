package astiflow

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes a running Pipeline's operational counters on a
// Prometheus HTTP endpoint, an ambient operational concern rather than a
// spec.md feature — grounded on snapetech-plexTuner's use of the same
// client for its tuner-proxy server.
type Metrics struct {
	registry *prometheus.Registry

	ringOccupancy prometheus.Gauge
	bitrate       prometheus.Gauge
	stagePackets  *prometheus.CounterVec
}

// NewMetrics builds a fresh metrics registry, not the global default one,
// so multiple Pipelines in the same process (as happens in tests) never
// collide on metric names.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ringOccupancy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "astiflow",
			Name:      "ring_occupancy_slots",
			Help:      "Number of ring slots currently not Empty.",
		}),
		bitrate: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "astiflow",
			Name:      "pipeline_bitrate_bps",
			Help:      "Last bitrate published by bitrate propagation, in bits per second.",
		}),
		stagePackets: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "astiflow",
			Name:      "stage_packets_total",
			Help:      "Packets seen by each pipeline stage, by stage name and verdict.",
		}, []string{"stage", "verdict"}),
	}
	return m
}

// ObserveStage increments the packet counter for one stage/verdict pair.
// scheduler.go calls this with a processor's ProcessStatus.String() as
// verdict ("ok", "drop", "nullify", "end").
func (m *Metrics) ObserveStage(stage, verdict string) {
	m.stagePackets.WithLabelValues(stage, verdict).Inc()
}

// SetRingOccupancy and SetBitrate publish a Pipeline's current ring
// occupancy and bitrate.
func (m *Metrics) SetRingOccupancy(slots int) { m.ringOccupancy.Set(float64(slots)) }
func (m *Metrics) SetBitrate(bps int64)       { m.bitrate.Set(float64(bps)) }

// Handler returns the http.Handler to mount at e.g. /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing Handler at /metrics on addr. It
// blocks; callers typically run it in its own goroutine.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
