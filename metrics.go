package dmaperf

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// DMA round trips sit in the low microseconds, so the lower range is dense.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	2_000,          // 2us
	5_000,          // 5us
	10_000,         // 10us
	20_000,         // 20us
	50_000,         // 50us
	100_000,        // 100us
	500_000,        // 500us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 13

// Observer receives per-request completion samples from the workers
type Observer = interfaces.Observer

// DirectionMetrics tracks one transfer direction
type DirectionMetrics struct {
	Ops    atomic.Uint64 // Completed requests
	Bytes  atomic.Uint64 // Bytes moved by successful requests
	Errors atomic.Uint64 // Requests completed with an error

	TotalLatencyNs atomic.Uint64
	MinLatencyNs   atomic.Uint64 // math.MaxUint64 until the first sample
	MaxLatencyNs   atomic.Uint64

	// Each bucket[i] counts requests with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64
}

func (d *DirectionMetrics) record(bytes, latencyNs uint64, success bool) {
	d.Ops.Add(1)
	if success {
		d.Bytes.Add(bytes)
	} else {
		d.Errors.Add(1)
	}
	d.TotalLatencyNs.Add(latencyNs)
	for {
		cur := d.MinLatencyNs.Load()
		if latencyNs >= cur || d.MinLatencyNs.CompareAndSwap(cur, latencyNs) {
			break
		}
	}
	for {
		cur := d.MaxLatencyNs.Load()
		if latencyNs <= cur || d.MaxLatencyNs.CompareAndSwap(cur, latencyNs) {
			break
		}
	}
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			d.LatencyBuckets[i].Add(1)
		}
	}
}

func (d *DirectionMetrics) reset() {
	d.Ops.Store(0)
	d.Bytes.Store(0)
	d.Errors.Store(0)
	d.TotalLatencyNs.Store(0)
	d.MinLatencyNs.Store(math.MaxUint64)
	d.MaxLatencyNs.Store(0)
	for i := range d.LatencyBuckets {
		d.LatencyBuckets[i].Store(0)
	}
}

// Metrics tracks completion statistics for a run
type Metrics struct {
	H2C DirectionMetrics
	C2H DirectionMetrics

	// Outstanding buffers sampled after every submission
	OutstandingTotal atomic.Uint64
	OutstandingCount atomic.Uint64
	MaxOutstanding   atomic.Uint32

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.Reset()
	return m
}

func (m *Metrics) direction(dir interfaces.Direction) *DirectionMetrics {
	if dir == interfaces.C2H {
		return &m.C2H
	}
	return &m.H2C
}

// ObserveCompletion records one completed request
func (m *Metrics) ObserveCompletion(dir interfaces.Direction, bytes uint64, latencyNs uint64, success bool) {
	m.direction(dir).record(bytes, latencyNs, success)
}

// ObserveOutstanding records the outstanding buffer count of a worker
func (m *Metrics) ObserveOutstanding(n uint32) {
	m.OutstandingTotal.Add(uint64(n))
	m.OutstandingCount.Add(1)
	for {
		cur := m.MaxOutstanding.Load()
		if n <= cur || m.MaxOutstanding.CompareAndSwap(cur, n) {
			break
		}
	}
}

// Stop marks the end of the measured interval
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Reset resets all counters and restarts the clock
func (m *Metrics) Reset() {
	m.H2C.reset()
	m.C2H.reset()
	m.OutstandingTotal.Store(0)
	m.OutstandingCount.Store(0)
	m.MaxOutstanding.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// DirectionSnapshot is a point-in-time view of one direction
type DirectionSnapshot struct {
	Ops    uint64
	Bytes  uint64
	Errors uint64

	AvgLatencyNs uint64
	MinLatencyNs uint64
	MaxLatencyNs uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	IOPS      float64 // Requests per second
	Bandwidth float64 // Bytes per second
	ErrorRate float64 // Percentage of failed requests
}

// MetricsSnapshot is a point-in-time snapshot of Metrics
type MetricsSnapshot struct {
	H2C DirectionSnapshot
	C2H DirectionSnapshot

	AvgOutstanding float64
	MaxOutstanding uint32
	UptimeNs       uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		MaxOutstanding: m.MaxOutstanding.Load(),
	}
	if n := m.OutstandingCount.Load(); n > 0 {
		snap.AvgOutstanding = float64(m.OutstandingTotal.Load()) / float64(n)
	}

	start, stop := m.StartTime.Load(), m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	snap.H2C = m.H2C.snapshot(snap.UptimeNs)
	snap.C2H = m.C2H.snapshot(snap.UptimeNs)
	return snap
}

func (d *DirectionMetrics) snapshot(uptimeNs uint64) DirectionSnapshot {
	s := DirectionSnapshot{
		Ops:          d.Ops.Load(),
		Bytes:        d.Bytes.Load(),
		Errors:       d.Errors.Load(),
		MaxLatencyNs: d.MaxLatencyNs.Load(),
	}
	for i := range s.LatencyHistogram {
		s.LatencyHistogram[i] = d.LatencyBuckets[i].Load()
	}
	if s.Ops == 0 {
		return s
	}

	s.MinLatencyNs = d.MinLatencyNs.Load()
	s.AvgLatencyNs = d.TotalLatencyNs.Load() / s.Ops
	s.ErrorRate = float64(s.Errors) / float64(s.Ops) * 100.0
	s.LatencyP50Ns = percentile(&s.LatencyHistogram, s.Ops, 0.50)
	s.LatencyP99Ns = percentile(&s.LatencyHistogram, s.Ops, 0.99)
	s.LatencyP999Ns = percentile(&s.LatencyHistogram, s.Ops, 0.999)

	if uptimeNs > 0 {
		secs := float64(uptimeNs) / 1e9
		s.IOPS = float64(s.Ops) / secs
		s.Bandwidth = float64(s.Bytes) / secs
	}
	return s
}

// percentile estimates the latency at p (0.0-1.0) by linear interpolation
// between cumulative histogram buckets.
func percentile(hist *[numLatencyBuckets]uint64, total uint64, p float64) uint64 {
	target := uint64(float64(total) * p)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := hist[i]
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = hist[i-1]
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// beyond the last bucket
	return LatencyBuckets[numLatencyBuckets-1]
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveCompletion(interfaces.Direction, uint64, uint64, bool) {}
func (NoOpObserver) ObserveOutstanding(uint32)                                    {}

// Compile-time interface check
var _ Observer = (*Metrics)(nil)
var _ Observer = NoOpObserver{}
