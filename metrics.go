package blksnap

import (
	"sync/atomic"
	"time"

	"github.com/arsaki/blksnap/internal/metrics"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for one Engine: CoW copies,
// snapshot-image reads, diff storage allocations, and tracker hot-path
// activity.
type Metrics struct {
	// Diff Area CoW copy counters (§4.4 copy())
	CopyOps     atomic.Uint64
	CopyBytes   atomic.Uint64
	CopyErrors  atomic.Uint64
	CopyRetries atomic.Uint64 // nowait losers that returned Retry

	// Snapshot Image read counters (§4.4 read())
	ImageReadOps    atomic.Uint64
	ImageReadBytes  atomic.Uint64
	ImageReadErrors atomic.Uint64

	// Diff Storage allocator counters (§4.3)
	AllocOps      atomic.Uint64
	AllocFailures atomic.Uint64

	// CBT Map hot-path counters (§4.5 set())
	CbtSetOps atomic.Uint64

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); bucket[i] holds the
	// count of operations observed with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Engine lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCopy records one Diff Area copy() invocation.
func (m *Metrics) RecordCopy(bytes uint64, latencyNs uint64, success bool) {
	m.CopyOps.Add(1)
	if success {
		m.CopyBytes.Add(bytes)
	} else {
		m.CopyErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCopyRetry records a nowait copy() call that lost the race and
// returned Retry instead of blocking.
func (m *Metrics) RecordCopyRetry() {
	m.CopyRetries.Add(1)
}

// RecordImageRead records one Snapshot Image read() invocation.
func (m *Metrics) RecordImageRead(bytes uint64, latencyNs uint64, success bool) {
	m.ImageReadOps.Add(1)
	if success {
		m.ImageReadBytes.Add(bytes)
	} else {
		m.ImageReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAlloc records one Diff Storage allocate() call.
func (m *Metrics) RecordAlloc(success bool) {
	m.AllocOps.Add(1)
	if !success {
		m.AllocFailures.Add(1)
	}
}

// RecordCbtSet records one CBT Map set() call.
func (m *Metrics) RecordCbtSet() {
	m.CbtSetOps.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics with derived
// statistics computed.
type MetricsSnapshot struct {
	CopyOps     uint64
	CopyBytes   uint64
	CopyErrors  uint64
	CopyRetries uint64

	ImageReadOps    uint64
	ImageReadBytes  uint64
	ImageReadErrors uint64

	AllocOps      uint64
	AllocFailures uint64
	CbtSetOps     uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	CopyThroughputBps  float64
	ImageReadRateBps   float64
	TotalOps           uint64
	CopyErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CopyOps:         m.CopyOps.Load(),
		CopyBytes:       m.CopyBytes.Load(),
		CopyErrors:      m.CopyErrors.Load(),
		CopyRetries:     m.CopyRetries.Load(),
		ImageReadOps:    m.ImageReadOps.Load(),
		ImageReadBytes:  m.ImageReadBytes.Load(),
		ImageReadErrors: m.ImageReadErrors.Load(),
		AllocOps:        m.AllocOps.Load(),
		AllocFailures:   m.AllocFailures.Load(),
		CbtSetOps:       m.CbtSetOps.Load(),
	}

	snap.TotalOps = snap.CopyOps + snap.ImageReadOps + snap.AllocOps

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.CopyThroughputBps = float64(snap.CopyBytes) / uptimeSeconds
		snap.ImageReadRateBps = float64(snap.ImageReadBytes) / uptimeSeconds
	}

	if snap.CopyOps > 0 {
		snap.CopyErrorRate = float64(snap.CopyErrors) / float64(snap.CopyOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.CopyOps.Store(0)
	m.CopyBytes.Store(0)
	m.CopyErrors.Store(0)
	m.CopyRetries.Store(0)
	m.ImageReadOps.Store(0)
	m.ImageReadBytes.Store(0)
	m.ImageReadErrors.Store(0)
	m.AllocOps.Store(0)
	m.AllocFailures.Store(0)
	m.CbtSetOps.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer is internal/metrics.Observer, re-exported so callers of Engine
// never need to import an internal package to implement or reference it.
type Observer = metrics.Observer

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver = metrics.NoOpObserver

// MetricsObserver implements Observer by recording into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCopy(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordCopy(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveCopyRetry() {
	o.metrics.RecordCopyRetry()
}

func (o *MetricsObserver) ObserveImageRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordImageRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveAlloc(success bool) {
	o.metrics.RecordAlloc(success)
}

func (o *MetricsObserver) ObserveCbtSet() {
	o.metrics.RecordCbtSet()
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
