// Package arena provides fixed-size slot allocators for per-worker request
// resources: data buffers, request descriptors and submission contexts.
//
// An Arena hands out runs of contiguous slots from a rotating cursor. It
// never grows; a failed Alloc is the backpressure signal to the caller.
package arena

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ehrlich-b/go-dmaperf/internal/invariant"
)

// ErrInvalidFree is returned when a region is not a live allocation.
var ErrInvalidFree = errors.New("arena: free of a region that is not live")

// Region is a handle to a run of slots returned by Alloc.
type Region struct {
	Index uint32 // first slot
	Len   uint32 // number of slots
	Gen   uint32 // allocation generation of the head slot
}

// IsZero reports whether r is the zero Region, which is never live.
func (r Region) IsZero() bool { return r.Len == 0 }

// Handle packs r into a single word. Only Index and Gen survive, so it is
// meant for single-slot regions such as slab records.
func (r Region) Handle() uint64 { return uint64(r.Gen)<<32 | uint64(r.Index) }

// FromHandle is the inverse of Region.Handle for single-slot regions.
func FromHandle(h uint64) Region {
	return Region{Index: uint32(h), Len: 1, Gen: uint32(h >> 32)}
}

type slotMeta struct {
	occupied bool
	head     uint32 // head slot of the owning allocation
	runLen   uint32 // valid on the head slot only
	gen      uint32 // valid on the head slot only
}

// Stats is a point-in-time view of arena usage.
type Stats struct {
	Slots    uint32
	SlotSize uint32
	InUse    uint32 // occupied slots
	Live     uint32 // live allocations
	Allocs   uint64
	Frees    uint64
	Failures uint64 // Alloc calls that returned false
}

// Arena is a slot allocator over an optional contiguous backing block.
// It is safe for concurrent use by a worker and its completion monitor.
type Arena struct {
	mu       sync.Mutex
	slotSize uint32
	meta     []slotMeta
	cursor   uint32
	backing  []byte
	release  func([]byte) error
	closed   bool

	inUse    uint32
	live     uint32
	allocs   uint64
	frees    uint64
	failures uint64
}

// New creates an arena of slotCount slots. A slotSize of 0 creates an
// index-only arena with no backing memory.
func New(slotSize, slotCount uint32) (*Arena, error) {
	if slotCount == 0 {
		return nil, fmt.Errorf("arena: slot count must be positive")
	}
	a := &Arena{
		slotSize: slotSize,
		meta:     make([]slotMeta, slotCount),
	}
	if slotSize > 0 {
		size := uint64(slotSize) * uint64(slotCount)
		if size > math.MaxInt {
			return nil, fmt.Errorf("arena: %d slots of %d bytes exceeds addressable size", slotCount, slotSize)
		}
		b, release, err := allocBacking(int(size))
		if err != nil {
			return nil, err
		}
		a.backing = b
		a.release = release
	}
	return a, nil
}

// Alloc reserves n contiguous slots. It scans forward from the cursor,
// skipping whole occupied runs, wraps to slot 0 at most once, and returns
// false when no free run of length n exists.
func (a *Arena) Alloc(n uint32) (Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slots := uint32(len(a.meta))
	if a.closed || n == 0 || n > slots {
		a.failures++
		return Region{}, false
	}

	start := a.cursor
	i := start
	wrapped := false
	for {
		if wrapped && i >= start {
			break
		}
		if i+n > slots {
			if wrapped {
				break
			}
			wrapped = true
			i = 0
			continue
		}

		conflict := -1
		for j := i; j < i+n; j++ {
			if a.meta[j].occupied {
				conflict = int(j)
				break
			}
		}
		if conflict < 0 {
			return a.take(i, n), true
		}
		h := a.meta[conflict].head
		i = h + a.meta[h].runLen
	}

	a.failures++
	return Region{}, false
}

func (a *Arena) take(i, n uint32) Region {
	gen := a.meta[i].gen + 1
	for j := i; j < i+n; j++ {
		a.meta[j] = slotMeta{occupied: true, head: i}
	}
	a.meta[i].runLen = n
	a.meta[i].gen = gen

	a.cursor = i + n
	if a.cursor >= uint32(len(a.meta)) {
		a.cursor = 0
	}
	a.inUse += n
	a.live++
	a.allocs++
	return Region{Index: i, Len: n, Gen: gen}
}

// Free releases exactly the run recorded for r. Freeing a region that is
// not live leaves the arena untouched and reports an invariant violation.
func (a *Arena) Free(r Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isLive(r) {
		return fmt.Errorf("%w: %w", ErrInvalidFree, invariant.Violation("free of %+v", r))
	}
	gen := a.meta[r.Index].gen
	for j := r.Index; j < r.Index+r.Len; j++ {
		a.meta[j] = slotMeta{}
	}
	a.meta[r.Index].gen = gen

	a.inUse -= r.Len
	a.live--
	a.frees++
	return nil
}

// Live reports whether r is a current allocation.
func (a *Arena) Live(r Region) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isLive(r)
}

func (a *Arena) isLive(r Region) bool {
	if r.Len == 0 || uint64(r.Index)+uint64(r.Len) > uint64(len(a.meta)) {
		return false
	}
	m := a.meta[r.Index]
	return m.occupied && m.head == r.Index && m.runLen == r.Len && m.gen == r.Gen
}

// Bytes returns the backing memory of r. It returns nil for index-only
// arenas. The slice is valid until r is freed.
func (a *Arena) Bytes(r Region) []byte {
	if a.backing == nil || r.Len == 0 {
		return nil
	}
	lo := uint64(r.Index) * uint64(a.slotSize)
	hi := lo + uint64(r.Len)*uint64(a.slotSize)
	return a.backing[lo:hi:hi]
}

// SlotSize returns the size of one slot in bytes.
func (a *Arena) SlotSize() uint32 { return a.slotSize }

// Slots returns the number of slots.
func (a *Arena) Slots() uint32 { return uint32(len(a.meta)) }

// Stats returns a snapshot of usage counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Slots:    uint32(len(a.meta)),
		SlotSize: a.slotSize,
		InUse:    a.inUse,
		Live:     a.live,
		Allocs:   a.allocs,
		Frees:    a.frees,
		Failures: a.failures,
	}
}

// Close releases the backing memory. Live allocations become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	b := a.backing
	a.backing = nil
	if b != nil && a.release != nil {
		if err := a.release(b); err != nil {
			return fmt.Errorf("arena: release backing: %w", err)
		}
	}
	return nil
}
