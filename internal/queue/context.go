package queue

import (
	"sync"

	"github.com/ehrlich-b/go-dmaperf/internal/arena"
	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// SubmissionContext groups the batches issued through one async context.
// The worker fills it; the monitor retires it once it is sealed and every
// issued batch has completed. Fields are guarded by the owning contextList.
type SubmissionContext struct {
	token       interfaces.AsyncContext
	maxExpected uint32 // batches issued
	completed   uint32 // batches harvested
	outstanding uint64 // buffers in flight
	sealed      bool
}

func (c *SubmissionContext) retirable() bool {
	return c.sealed && c.completed == c.maxExpected
}

// contextList is the per-worker FIFO of submission contexts, oldest first.
// It stores slab handles in a fixed ring.
type contextList struct {
	mu    sync.Mutex
	slab  *arena.Slab[SubmissionContext]
	ring  []arena.Region
	head  int
	count int

	// notify wakes the monitor when a context is added or gains work
	notify chan struct{}
}

func newContextList(capacity uint32) (*contextList, error) {
	slab, err := arena.NewSlab[SubmissionContext](capacity)
	if err != nil {
		return nil, err
	}
	return &contextList{
		slab:   slab,
		ring:   make([]arena.Region, capacity),
		notify: make(chan struct{}, 1),
	}, nil
}

// create allocates a context for token and appends it to the tail.
func (l *contextList) create(token interfaces.AsyncContext) (arena.Region, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, c, ok := l.slab.Alloc()
	if !ok {
		return arena.Region{}, false
	}
	*c = SubmissionContext{token: token}
	l.pushTailLocked(r)
	l.wake()
	return r, true
}

func (l *contextList) pushTailLocked(r arena.Region) {
	l.ring[(l.head+l.count)%len(l.ring)] = r
	l.count++
}

// pop removes the oldest context.
func (l *contextList) pop() (arena.Region, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return arena.Region{}, false
	}
	r := l.ring[l.head]
	l.ring[l.head] = arena.Region{}
	l.head = (l.head + 1) % len(l.ring)
	l.count--
	return r, true
}

// pushHead returns a context to the front so it is examined first again.
func (l *contextList) pushHead(r arena.Region) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = (l.head - 1 + len(l.ring)) % len(l.ring)
	l.ring[l.head] = r
	l.count++
}

func (l *contextList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// update runs fn on the context for r under the list lock. It returns
// false if r is no longer live.
func (l *contextList) update(r arena.Region, fn func(c *SubmissionContext)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.slab.Get(r)
	if c == nil {
		return false
	}
	fn(c)
	return true
}

// seal marks the context as receiving no further batches.
func (l *contextList) seal(r arena.Region) {
	l.update(r, func(c *SubmissionContext) { c.sealed = true })
	l.wake()
}

// retire closes the context's token and releases its slot. The context
// must not be in the ring.
func (l *contextList) retire(r arena.Region) error {
	l.mu.Lock()
	c := l.slab.Get(r)
	if c == nil {
		l.mu.Unlock()
		return arena.ErrInvalidFree
	}
	token := c.token
	*c = SubmissionContext{}
	err := l.slab.Free(r)
	l.mu.Unlock()

	if token != nil {
		if cerr := token.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (l *contextList) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}
