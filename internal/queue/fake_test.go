package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// fakeDevice completes every submitted request unless held.
type fakeDevice struct {
	hold       atomic.Bool
	submits    atomic.Int64
	failed     atomic.Int64
	contexts   atomic.Int64
	closed     atomic.Int64
	failSubmit func(n int64) error
	failEvent  func(n int64) error
	newCtxErr  error
}

type fakeHandle struct {
	dev *fakeDevice
}

func (h *fakeHandle) NewContext(maxEvents int) (interfaces.AsyncContext, error) {
	if h.dev.newCtxErr != nil {
		return nil, h.dev.newCtxErr
	}
	h.dev.contexts.Add(1)
	return &fakeContext{dev: h.dev, max: maxEvents, ready: make(chan struct{}, 1)}, nil
}

func (h *fakeHandle) Name() string { return "fake" }
func (h *fakeHandle) Close() error { return nil }

type fakeContext struct {
	dev     *fakeDevice
	max     int
	mu      sync.Mutex
	pending []interfaces.CompletionEvent
	ready   chan struct{}
	closed  bool
}

var errFakeClosed = errors.New("fake context closed")

func (c *fakeContext) Submit(dir interfaces.Direction, bufs [][]byte, offset int64, userData uint64) error {
	n := c.dev.submits.Add(1)
	if c.dev.failSubmit != nil {
		if err := c.dev.failSubmit(n); err != nil {
			c.dev.failed.Add(1)
			return err
		}
	}
	var bytes int64
	for _, b := range bufs {
		bytes += int64(len(b))
	}
	ev := interfaces.CompletionEvent{UserData: userData, Bytes: bytes}
	if c.dev.failEvent != nil {
		ev.Err = c.dev.failEvent(n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errFakeClosed
	}
	if len(c.pending) >= c.max {
		return errors.New("fake context full")
	}
	c.pending = append(c.pending, ev)
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeContext) Poll(ctx context.Context, events []interfaces.CompletionEvent, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if !c.dev.hold.Load() {
			c.mu.Lock()
			n := copy(events, c.pending)
			c.pending = c.pending[n:]
			c.mu.Unlock()
			if n > 0 {
				return n, nil
			}
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil
		}
		if wait > time.Millisecond {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-c.ready:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		}
		t.Stop()
	}
}

func (c *fakeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.dev.closed.Add(1)
	}
	return nil
}

type countingObserver struct {
	completions atomic.Int64
	bytes       atomic.Uint64
	failures    atomic.Int64
}

func (o *countingObserver) ObserveCompletion(dir interfaces.Direction, bytes uint64, latencyNs uint64, success bool) {
	o.completions.Add(1)
	o.bytes.Add(bytes)
	if !success {
		o.failures.Add(1)
	}
}

func (o *countingObserver) ObserveOutstanding(uint32) {}

// testLogger collects log lines.
type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) Printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *testLogger) Debugf(format string, args ...interface{}) {}
