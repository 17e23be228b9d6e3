package zftl

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks the operational counters of a running Target: I/O
// volumes, reclaim activity, and zone-pool pressure.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64

	// Reclaim activity.
	ReclaimIterations  atomic.Uint64
	ReclaimAborted     atomic.Uint64 // victim had zero invalid blocks, or copying it failed
	BytesReclaimed     atomic.Uint64
	ZoneFullEvents     atomic.Uint64 // append completions carrying StatusZoneFull
	InvalidationCount  atomic.Uint64 // blocks marked invalid by the write path

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its start time set to
// now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordReclaimIteration(bytesMoved uint64, aborted bool, latencyNs uint64) {
	m.ReclaimIterations.Add(1)
	if aborted {
		m.ReclaimAborted.Add(1)
	} else {
		m.BytesReclaimed.Add(bytesMoved)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordZoneFull() {
	m.ZoneFullEvents.Add(1)
}

func (m *Metrics) RecordInvalidation(count uint64) {
	m.InvalidationCount.Add(count)
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

// Stop marks the target as stopped, fixing the uptime used in Snapshot.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time aggregate of Metrics plus the
// zone-pool occupancy gauges a ZNS target's health is dominated by.
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors  uint64
	WriteErrors uint64

	ReclaimIterations uint64
	ReclaimAborted    uint64
	BytesReclaimed    uint64
	ZoneFullEvents    uint64
	InvalidationCount uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64

	// Zone-pool occupancy at snapshot time.
	FreeZones int
	FullZones int
	OpZones   int
	OpenZone  bool
}

// Snapshot creates a point-in-time snapshot of m. The zone-pool
// occupancy fields are left zero: Metrics has no reference to the
// zone pool, and Target.MetricsSnapshot fills them in.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:           m.ReadOps.Load(),
		WriteOps:          m.WriteOps.Load(),
		ReadBytes:         m.ReadBytes.Load(),
		WriteBytes:        m.WriteBytes.Load(),
		ReadErrors:        m.ReadErrors.Load(),
		WriteErrors:       m.WriteErrors.Load(),
		ReclaimIterations: m.ReclaimIterations.Load(),
		ReclaimAborted:    m.ReclaimAborted.Load(),
		BytesReclaimed:    m.BytesReclaimed.Load(),
		ZoneFullEvents:    m.ZoneFullEvents.Load(),
		InvalidationCount: m.InvalidationCount.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

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
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
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

// Observer allows pluggable metrics collection, decoupling the read,
// write, and reclaim paths from any particular Metrics instance.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveReclaim(bytesMoved uint64, aborted bool, latencyNs uint64)
	ObserveZoneFull()
	ObserveInvalidation(count uint64)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)        {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)       {}
func (NoOpObserver) ObserveReclaim(uint64, bool, uint64)     {}
func (NoOpObserver) ObserveZoneFull()                        {}
func (NoOpObserver) ObserveInvalidation(uint64)              {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveReclaim(bytesMoved uint64, aborted bool, latencyNs uint64) {
	o.metrics.RecordReclaimIteration(bytesMoved, aborted, latencyNs)
}

func (o *MetricsObserver) ObserveZoneFull() {
	o.metrics.RecordZoneFull()
}

func (o *MetricsObserver) ObserveInvalidation(count uint64) {
	o.metrics.RecordInvalidation(count)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
