// Package shutdown coordinates the end of a run across workers: a two-phase
// stop signal, the run-wide drain barrier and once-only queue release.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-dmaperf/internal/constants"
)

// ErrBarrierTimeout is returned by Barrier when peers did not drain in time.
var ErrBarrierTimeout = errors.New("shutdown: drain barrier timed out")

// Config bounds the drain barrier.
type Config struct {
	BarrierRetries  int
	BarrierInterval time.Duration
}

type release struct {
	once sync.Once
	err  error
}

// Coordinator is the single cancellation handle shared by every worker of
// a run. All methods are safe for concurrent use.
type Coordinator struct {
	stopping atomic.Bool
	forced   atomic.Bool
	signal   sync.Once
	done     chan struct{}

	completed atomic.Uint64

	mu       sync.Mutex
	names    []string // worker id -> name, for reporting
	drained  []bool
	ndrained int
	all      chan struct{} // closed once every registered worker drained
	releases map[string]*release

	timeout time.Duration
}

// New creates a coordinator. Zero config fields take package defaults.
func New(cfg Config) *Coordinator {
	if cfg.BarrierRetries <= 0 {
		cfg.BarrierRetries = constants.DefaultBarrierRetries
	}
	if cfg.BarrierInterval <= 0 {
		cfg.BarrierInterval = constants.DefaultBarrierInterval
	}
	return &Coordinator{
		done:     make(chan struct{}),
		all:      make(chan struct{}),
		releases: make(map[string]*release),
		timeout:  time.Duration(cfg.BarrierRetries) * cfg.BarrierInterval,
	}
}

// Register adds a worker to the barrier and returns its id. name only
// labels the worker in PendingNames. All workers must be registered before
// the first one reaches Barrier.
func (c *Coordinator) Register(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.names = append(c.names, name)
	c.drained = append(c.drained, false)
	return len(c.names) - 1
}

// Signal requests a graceful stop. Only the first call has an effect.
func (c *Coordinator) Signal() {
	c.signal.Do(func() {
		c.stopping.Store(true)
		close(c.done)
	})
}

// ForceExit requests an immediate stop of submission, bypassing run
// deadlines. Drain still happens.
func (c *Coordinator) ForceExit() {
	c.forced.Store(true)
	c.Signal()
}

// Stopping reports whether a stop was requested.
func (c *Coordinator) Stopping() bool { return c.stopping.Load() }

// Forced reports whether ForceExit was called.
func (c *Coordinator) Forced() bool { return c.forced.Load() }

// Done is closed on the first Signal or ForceExit.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// AddCompleted adds n to the run-wide completion counter.
func (c *Coordinator) AddCompleted(n uint64) { c.completed.Add(n) }

// CompletedTotal returns the run-wide completion counter.
func (c *Coordinator) CompletedTotal() uint64 { return c.completed.Load() }

// MarkDrained records that worker id has no more requests in flight.
// Repeated calls are no-ops.
func (c *Coordinator) MarkDrained(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

func (c *Coordinator) markLocked(id int) bool {
	if id < 0 || id >= len(c.names) {
		return false
	}
	if c.drained[id] {
		return true
	}
	c.drained[id] = true
	if c.ndrained++; c.ndrained == len(c.names) {
		close(c.all)
	}
	return true
}

// Drained reports whether worker id has been marked drained.
func (c *Coordinator) Drained(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id >= 0 && id < len(c.drained) && c.drained[id]
}

// Barrier marks worker id drained and waits until every registered worker
// of the run is drained, whatever its queue or direction. It gives up after
// the configured retry ceiling and returns ErrBarrierTimeout; the caller is
// expected to proceed anyway.
func (c *Coordinator) Barrier(ctx context.Context, id int) error {
	c.mu.Lock()
	ok := c.markLocked(id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("shutdown: unknown worker %d", id)
	}

	t := time.NewTimer(c.timeout)
	defer t.Stop()
	select {
	case <-c.all:
		return nil
	case <-t.C:
		return ErrBarrierTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the ids of workers that have not drained yet.
func (c *Coordinator) Pending() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int
	for id, d := range c.drained {
		if !d {
			ids = append(ids, id)
		}
	}
	return ids
}

// PendingNames returns the names of workers that have not drained yet.
func (c *Coordinator) PendingNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for id, d := range c.drained {
		if !d {
			names = append(names, c.names[id])
		}
	}
	return names
}

// ReleaseOnce runs fn the first time it is called for key and returns its
// error. Later callers for the same key wait for the first to finish and
// return nil.
func (c *Coordinator) ReleaseOnce(key string, fn func() error) error {
	c.mu.Lock()
	r, ok := c.releases[key]
	if !ok {
		r = &release{}
		c.releases[key] = r
	}
	c.mu.Unlock()

	first := false
	r.once.Do(func() {
		first = true
		r.err = fn()
	})
	if first {
		return r.err
	}
	return nil
}
