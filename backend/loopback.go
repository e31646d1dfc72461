// Package backend provides queue data paths the engine can load: a
// loopback device held in memory and the queue character devices created
// by the QDMA driver.
package backend

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// LoopbackConfig configures a Loopback device.
type LoopbackConfig struct {
	// Size of the device memory in bytes. Transfers wrap around it.
	Size int64
	// Latency delays every completion.
	Latency time.Duration
	// FailEvery makes every Nth request complete with EIO (0 disables).
	FailEvery uint64
}

// Loopback is an in-memory QDMA device. H2C requests write into the device
// memory and C2H requests read back from it. Every queue name opens the
// same memory.
type Loopback struct {
	cfg LoopbackConfig

	mu       sync.RWMutex
	data     []byte
	requests uint64
	written  uint64
	read     uint64
	failed   uint64
	open     map[string]int
}

// NewLoopback creates a loopback device
func NewLoopback(cfg LoopbackConfig) *Loopback {
	if cfg.Size <= 0 {
		cfg.Size = 1 << 20
	}
	return &Loopback{
		cfg:  cfg,
		data: make([]byte, cfg.Size),
		open: make(map[string]int),
	}
}

// Open implements the Opener interface
func (l *Loopback) Open(name string) (interfaces.QueueHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open[name]++
	return &loopHandle{dev: l, name: name}, nil
}

// LoopbackStats is a snapshot of device activity.
type LoopbackStats struct {
	Requests     uint64
	BytesWritten uint64
	BytesRead    uint64
	Failed       uint64
	OpenHandles  int
}

// Stats returns the device counters
func (l *Loopback) Stats() LoopbackStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := LoopbackStats{
		Requests:     l.requests,
		BytesWritten: l.written,
		BytesRead:    l.read,
		Failed:       l.failed,
	}
	for _, n := range l.open {
		s.OpenHandles += n
	}
	return s
}

// ReadAt copies device memory at off into p, wrapping at the end.
func (l *Loopback) ReadAt(p []byte, off int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.copyOut(p, off)
}

func (l *Loopback) copyOut(p []byte, off int64) int64 {
	size := int64(len(l.data))
	off %= size
	var n int64
	for len(p) > 0 {
		c := copy(p, l.data[off:])
		p = p[c:]
		n += int64(c)
		off = 0
	}
	return n
}

func (l *Loopback) copyIn(p []byte, off int64) int64 {
	size := int64(len(l.data))
	off %= size
	var n int64
	for len(p) > 0 {
		c := copy(l.data[off:], p)
		p = p[c:]
		n += int64(c)
		off = 0
	}
	return n
}

// transfer performs one request and returns its completion.
func (l *Loopback) transfer(dir interfaces.Direction, bufs [][]byte, offset int64, userData uint64) interfaces.CompletionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requests++
	if l.cfg.FailEvery > 0 && l.requests%l.cfg.FailEvery == 0 {
		l.failed++
		return interfaces.CompletionEvent{UserData: userData, Bytes: -1, Err: syscall.EIO}
	}

	var n int64
	off := offset
	for _, b := range bufs {
		if dir == interfaces.H2C {
			n += l.copyIn(b, off)
		} else {
			n += l.copyOut(b, off)
		}
		off += int64(len(b))
	}
	if dir == interfaces.H2C {
		l.written += uint64(n)
	} else {
		l.read += uint64(n)
	}
	return interfaces.CompletionEvent{UserData: userData, Bytes: n}
}

type loopHandle struct {
	dev    *Loopback
	name   string
	closed sync.Once
}

func (h *loopHandle) NewContext(maxEvents int) (interfaces.AsyncContext, error) {
	if maxEvents <= 0 {
		return nil, fmt.Errorf("%s: context needs room for at least one request", h.name)
	}
	return &loopContext{
		dev:    h.dev,
		max:    maxEvents,
		notify: make(chan struct{}, 1),
	}, nil
}

func (h *loopHandle) Name() string { return h.name }

func (h *loopHandle) Close() error {
	h.closed.Do(func() {
		h.dev.mu.Lock()
		defer h.dev.mu.Unlock()
		if h.dev.open[h.name]--; h.dev.open[h.name] <= 0 {
			delete(h.dev.open, h.name)
		}
	})
	return nil
}

type pendingEvent struct {
	ev  interfaces.CompletionEvent
	due time.Time
}

type loopContext struct {
	dev    *Loopback
	max    int
	notify chan struct{}

	mu      sync.Mutex
	pending []pendingEvent // ordered by due
	closed  bool
}

// Submit performs the transfer immediately and queues its completion
// behind the configured latency.
func (c *loopContext) Submit(dir interfaces.Direction, bufs [][]byte, offset int64, userData uint64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return os.ErrClosed
	}
	if len(c.pending) >= c.max {
		c.mu.Unlock()
		return syscall.EAGAIN
	}
	c.mu.Unlock()

	ev := c.dev.transfer(dir, bufs, offset, userData)

	c.mu.Lock()
	c.pending = append(c.pending, pendingEvent{ev: ev, due: time.Now().Add(c.dev.cfg.Latency)})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// take moves due completions into events and reports when the next one
// becomes due.
func (c *loopContext) take(events []interfaces.CompletionEvent, now time.Time) (int, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for n < len(events) && n < len(c.pending) && !c.pending[n].due.After(now) {
		events[n] = c.pending[n].ev
		n++
	}
	c.pending = c.pending[n:]
	var next time.Time
	if len(c.pending) > 0 {
		next = c.pending[0].due
	}
	return n, next
}

func (c *loopContext) Poll(ctx context.Context, events []interfaces.CompletionEvent, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		now := time.Now()
		n, next := c.take(events, now)
		if n > 0 {
			return n, nil
		}
		if !now.Before(deadline) {
			return 0, nil
		}
		wait := deadline.Sub(now)
		if !next.IsZero() && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		timer.Reset(wait)
		select {
		case <-c.notify:
		case <-timer.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (c *loopContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
	return nil
}

// Compile-time interface checks
var (
	_ interfaces.Opener       = (*Loopback)(nil)
	_ interfaces.QueueHandle  = (*loopHandle)(nil)
	_ interfaces.AsyncContext = (*loopContext)(nil)
)
