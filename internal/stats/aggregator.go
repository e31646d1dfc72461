// Package stats folds per-worker counters into the final run report.
package stats

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// WorkerReport is the final state of one worker, read after it stopped.
type WorkerReport struct {
	Worker    int
	Queue     string
	QueueID   uint32
	Thread    int
	Mode      interfaces.Mode
	Direction interfaces.Direction

	// PacketBurst multiplies completions of streaming C2H workers, whose
	// buffers each carry a whole burst of packets.
	PacketBurst uint32

	Submitted        uint64 // buffers handed to the device
	Completed        uint64 // buffers harvested
	CompletedAtMark  uint64 // buffers harvested when shutdown was first observed
	CompletionErrors uint64 // harvested buffers the device failed
	SubmitFailures   uint64
	AllocAbandoned   uint64 // batches given up after the retry budget
	Abandoned        uint64 // buffers still in flight after the final harvest
	DrainTimedOut    bool
}

// Packets returns the completions this worker contributes to its direction.
func (r WorkerReport) Packets() uint64 {
	completed := r.Completed
	if r.DrainTimedOut {
		completed = r.CompletedAtMark
	}
	if r.CompletionErrors >= completed {
		return 0
	}
	completed -= r.CompletionErrors
	if r.Mode == interfaces.ModeST && r.Direction == interfaces.C2H && r.PacketBurst > 1 {
		completed *= uint64(r.PacketBurst)
	}
	return completed
}

// Discrepancy describes a worker whose drain did not converge.
type Discrepancy struct {
	Worker          int
	Queue           string
	Direction       interfaces.Direction
	Submitted       uint64
	Completed       uint64
	CompletedAtMark uint64
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s %s worker %d: submitted %d completed %d, using %d completed in time",
		d.Queue, d.Direction, d.Worker, d.Submitted, d.Completed, d.CompletedAtMark)
}

// DirectionTotals is the aggregate for one transfer direction.
type DirectionTotals struct {
	Direction         interfaces.Direction
	Workers           int
	Packets           uint64
	Bytes             uint64
	RequestsPerSecond uint64
	Bandwidth         float64 // in Unit per second
	Unit              string
	SubmitFailures    uint64
	AllocAbandoned    uint64
}

// Summary is the run-wide result.
type Summary struct {
	RuntimeSeconds uint64
	PacketSize     uint32
	Totals         []DirectionTotals // H2C before C2H, only directions with workers
	Discrepancies  []Discrepancy
}

// Total returns the sum of packets across directions.
func (s Summary) Total() uint64 {
	var n uint64
	for _, t := range s.Totals {
		n += t.Packets
	}
	return n
}

// Direction returns the totals for d, if any worker ran in it.
func (s Summary) Direction(d interfaces.Direction) (DirectionTotals, bool) {
	for _, t := range s.Totals {
		if t.Direction == d {
			return t, true
		}
	}
	return DirectionTotals{}, false
}

// Aggregate sums reports per direction. A runtime of 0 seconds is treated
// as 1 so rates are always defined.
func Aggregate(reports []WorkerReport, packetSize uint32, runtimeSecs uint64) Summary {
	if runtimeSecs == 0 {
		runtimeSecs = 1
	}
	sorted := slices.Clone(reports)
	slices.SortStableFunc(sorted, func(a, b WorkerReport) int {
		if a.Direction != b.Direction {
			return int(a.Direction) - int(b.Direction)
		}
		return a.Worker - b.Worker
	})

	s := Summary{RuntimeSeconds: runtimeSecs, PacketSize: packetSize}
	for _, r := range sorted {
		if len(s.Totals) == 0 || s.Totals[len(s.Totals)-1].Direction != r.Direction {
			s.Totals = append(s.Totals, DirectionTotals{Direction: r.Direction})
		}
		t := &s.Totals[len(s.Totals)-1]
		t.Workers++
		t.Packets += r.Packets()
		t.SubmitFailures += r.SubmitFailures
		t.AllocAbandoned += r.AllocAbandoned

		if r.DrainTimedOut {
			s.Discrepancies = append(s.Discrepancies, Discrepancy{
				Worker:          r.Worker,
				Queue:           r.Queue,
				Direction:       r.Direction,
				Submitted:       r.Submitted,
				Completed:       r.Completed,
				CompletedAtMark: r.CompletedAtMark,
			})
		}
	}

	for i := range s.Totals {
		t := &s.Totals[i]
		t.Bytes = t.Packets * uint64(packetSize)
		t.RequestsPerSecond = t.Packets / runtimeSecs
		t.Bandwidth, t.Unit = Bandwidth(t.Bytes, runtimeSecs)
	}
	return s
}

// Bandwidth scales bytes over secs to the largest decimal unit the whole
// part reaches.
func Bandwidth(bytes, secs uint64) (float64, string) {
	if secs == 0 {
		secs = 1
	}
	units := []struct {
		div  uint64
		name string
	}{
		{1_000_000_000, "GB"},
		{1_000_000, "MB"},
		{1_000, "KB"},
	}
	for _, u := range units {
		d := secs * u.div
		if bytes/d > 0 {
			return float64(bytes) / float64(d), u.name
		}
	}
	return float64(bytes) / float64(secs), "Bytes"
}

// Lines renders the summary in the dma-perf result format.
func (s Summary) Lines() []string {
	var out []string
	for _, d := range s.Discrepancies {
		out = append(out, "discrepancy: "+d.String())
	}
	for _, t := range s.Totals {
		if t.Packets == 0 {
			continue
		}
		label := "WRITE"
		if t.Direction == interfaces.C2H {
			label = "READ"
		}
		out = append(out, fmt.Sprintf("%s: total pps = %d BW = %f %s/sec", label, t.RequestsPerSecond, t.Bandwidth, t.Unit))
	}
	if s.Total() == 0 {
		out = append(out, "No IOs happened")
	}
	return out
}
