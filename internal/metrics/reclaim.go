package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sweep trigger label values.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerDrain     = "drain"
	TriggerRelease   = "release"
)

// ReclaimMetrics holds metrics for the allocation registry and its sweeps.
type ReclaimMetrics struct {
	// ActiveBlocks tracks the number of blocks currently tracked and not freed.
	ActiveBlocks prometheus.Gauge

	// ActiveBytes tracks the total requested size of the active blocks.
	ActiveBytes prometheus.Gauge

	// RecordedTotal counts blocks recorded by the allocation path.
	RecordedTotal prometheus.Counter

	// ReclaimedTotal counts blocks released by the registry, by trigger.
	ReclaimedTotal *prometheus.CounterVec

	// ReleaseFailuresTotal counts blocks whose release failed, by trigger.
	// Failed blocks are still dropped from tracking.
	ReleaseFailuresTotal *prometheus.CounterVec

	// SweepDuration tracks how long a sweep pass holds the registry, by trigger.
	SweepDuration *prometheus.HistogramVec
}

// DefaultSweepLatencyBuckets are latency buckets for sweep passes in seconds.
// Sweeps are in-memory scans plus munmap calls, so the range is small.
var DefaultSweepLatencyBuckets = []float64{
	0.00001, // 10us
	0.00005, // 50us
	0.0001,  // 100us
	0.0005,  // 500us
	0.001,   // 1ms
	0.005,   // 5ms
	0.01,    // 10ms
	0.05,    // 50ms
	0.1,     // 100ms
	0.5,     // 500ms
}

func activeBlocksOpts() prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace: "reclaim",
		Subsystem: "registry",
		Name:      "active_blocks",
		Help:      "Number of tracked blocks that have not been reclaimed.",
	}
}

func activeBytesOpts() prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace: "reclaim",
		Subsystem: "registry",
		Name:      "active_bytes",
		Help:      "Total requested size in bytes of tracked blocks that have not been reclaimed.",
	}
}

func recordedOpts() prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "reclaim",
		Subsystem: "registry",
		Name:      "blocks_recorded_total",
		Help:      "Total number of blocks recorded by the allocation path.",
	}
}

func reclaimedOpts() prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "reclaim",
		Subsystem: "registry",
		Name:      "blocks_reclaimed_total",
		Help:      "Total number of blocks released by the registry.",
	}
}

func releaseFailuresOpts() prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "reclaim",
		Subsystem: "registry",
		Name:      "release_failures_total",
		Help:      "Total number of blocks whose release failed.",
	}
}

func sweepDurationOpts() prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace: "reclaim",
		Subsystem: "registry",
		Name:      "sweep_duration_seconds",
		Help:      "Time spent in a single sweep pass in seconds.",
		Buckets:   DefaultSweepLatencyBuckets,
	}
}

// NewReclaimMetrics creates and registers reclaim metrics.
// Uses promauto for automatic registration with the default registry.
func NewReclaimMetrics() *ReclaimMetrics {
	return &ReclaimMetrics{
		ActiveBlocks:         promauto.NewGauge(activeBlocksOpts()),
		ActiveBytes:          promauto.NewGauge(activeBytesOpts()),
		RecordedTotal:        promauto.NewCounter(recordedOpts()),
		ReclaimedTotal:       promauto.NewCounterVec(reclaimedOpts(), []string{"trigger"}),
		ReleaseFailuresTotal: promauto.NewCounterVec(releaseFailuresOpts(), []string{"trigger"}),
		SweepDuration:        promauto.NewHistogramVec(sweepDurationOpts(), []string{"trigger"}),
	}
}

// NewReclaimMetricsWithRegistry creates reclaim metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewReclaimMetricsWithRegistry(reg prometheus.Registerer) *ReclaimMetrics {
	m := &ReclaimMetrics{
		ActiveBlocks:         prometheus.NewGauge(activeBlocksOpts()),
		ActiveBytes:          prometheus.NewGauge(activeBytesOpts()),
		RecordedTotal:        prometheus.NewCounter(recordedOpts()),
		ReclaimedTotal:       prometheus.NewCounterVec(reclaimedOpts(), []string{"trigger"}),
		ReleaseFailuresTotal: prometheus.NewCounterVec(releaseFailuresOpts(), []string{"trigger"}),
		SweepDuration:        prometheus.NewHistogramVec(sweepDurationOpts(), []string{"trigger"}),
	}

	reg.MustRegister(m.ActiveBlocks)
	reg.MustRegister(m.ActiveBytes)
	reg.MustRegister(m.RecordedTotal)
	reg.MustRegister(m.ReclaimedTotal)
	reg.MustRegister(m.ReleaseFailuresTotal)
	reg.MustRegister(m.SweepDuration)

	return m
}

// RecordAllocation notes a newly recorded block and the resulting active totals.
func (m *ReclaimMetrics) RecordAllocation(active, activeBytes int) {
	m.RecordedTotal.Inc()
	m.SetActive(active, activeBytes)
}

// RecordSweep notes the outcome of one sweep pass.
func (m *ReclaimMetrics) RecordSweep(trigger string, reclaimed, failed int, elapsed time.Duration) {
	m.ReclaimedTotal.WithLabelValues(trigger).Add(float64(reclaimed))
	if failed > 0 {
		m.ReleaseFailuresTotal.WithLabelValues(trigger).Add(float64(failed))
	}
	m.SweepDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

// SetActive sets the active block and byte gauges.
func (m *ReclaimMetrics) SetActive(active, activeBytes int) {
	m.ActiveBlocks.Set(float64(active))
	m.ActiveBytes.Set(float64(activeBytes))
}
