package dmaperf

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// MockQueue provides a mock Opener for testing. Every request completes
// as soon as it is submitted, and method calls are tracked for
// verification.
type MockQueue struct {
	mu sync.Mutex

	opened   map[string]int
	closed   map[string]int
	held     bool
	heldDirs map[Direction]bool
	openErr  error
	submitFn func(dir Direction, bufs [][]byte) error

	// Method call tracking
	submitCalls   int
	failedSubmits int
	pollCalls     int
	contexts      int
	ctxClosed     int
	buffers       map[Direction]uint64

	ready chan struct{}
}

// NewMockQueue creates a new mock queue opener.
func NewMockQueue() *MockQueue {
	return &MockQueue{
		opened:   make(map[string]int),
		closed:   make(map[string]int),
		buffers:  make(map[Direction]uint64),
		heldDirs: make(map[Direction]bool),
		ready:    make(chan struct{}, 1),
	}
}

// Open implements the Opener interface
func (m *MockQueue) Open(name string) (QueueHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.opened[name]++
	return &mockHandle{m: m, name: name}, nil
}

// SetOpenError makes every later Open fail with err.
func (m *MockQueue) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetSubmitHook installs fn to decide the outcome of each Submit. A
// non-nil return fails the submission.
func (m *MockQueue) SetSubmitHook(fn func(dir Direction, bufs [][]byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitFn = fn
}

// Hold stops completions from being delivered until Release.
func (m *MockQueue) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = true
}

// HoldDirection stops completions of requests in dir until Release.
func (m *MockQueue) HoldDirection(dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heldDirs[dir] = true
}

// Release delivers held completions.
func (m *MockQueue) Release() {
	m.mu.Lock()
	m.held = false
	clear(m.heldDirs)
	m.mu.Unlock()
	m.wake()
}

func (m *MockQueue) wake() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Testing utility methods

// Opened returns how often each queue name was opened
func (m *MockQueue) Opened() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.opened))
	for k, v := range m.opened {
		out[k] = v
	}
	return out
}

// AllClosed reports whether every opened handle and context was closed
func (m *MockQueue) AllClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, n := range m.opened {
		if m.closed[name] != n {
			return false
		}
	}
	return m.contexts == m.ctxClosed
}

// Buffers returns the number of buffers successfully submitted in dir
func (m *MockQueue) Buffers(dir Direction) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffers[dir]
}

// CallCounts returns the number of times each method has been called
func (m *MockQueue) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"submit":         m.submitCalls,
		"submit_failed":  m.failedSubmits,
		"poll":           m.pollCalls,
		"context":        m.contexts,
		"context_closed": m.ctxClosed,
	}
}

type mockHandle struct {
	m    *MockQueue
	name string
	once sync.Once
}

func (h *mockHandle) NewContext(maxEvents int) (interfaces.AsyncContext, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.m.contexts++
	return &mockContext{m: h.m, max: maxEvents}, nil
}

func (h *mockHandle) Name() string { return h.name }

func (h *mockHandle) Close() error {
	h.once.Do(func() {
		h.m.mu.Lock()
		h.m.closed[h.name]++
		h.m.mu.Unlock()
	})
	return nil
}

type mockEvent struct {
	ev  interfaces.CompletionEvent
	dir Direction
}

type mockContext struct {
	m       *MockQueue
	max     int
	pending []mockEvent
	closed  bool
}

func (c *mockContext) Submit(dir Direction, bufs [][]byte, offset int64, userData uint64) error {
	m := c.m
	m.mu.Lock()
	m.submitCalls++
	if c.closed {
		m.mu.Unlock()
		return ErrDeviceNotFound
	}
	if len(c.pending) >= c.max {
		m.failedSubmits++
		m.mu.Unlock()
		return ErrResourceExhausted
	}
	if m.submitFn != nil {
		if err := m.submitFn(dir, bufs); err != nil {
			m.failedSubmits++
			m.mu.Unlock()
			return err
		}
	}
	var n int64
	for _, b := range bufs {
		n += int64(len(b))
	}
	m.buffers[dir] += uint64(len(bufs))
	c.pending = append(c.pending, mockEvent{
		ev:  interfaces.CompletionEvent{UserData: userData, Bytes: n},
		dir: dir,
	})
	m.mu.Unlock()
	m.wake()
	return nil
}

func (c *mockContext) take(events []interfaces.CompletionEvent) int {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.held {
		return 0
	}
	n := 0
	for n < len(events) && n < len(c.pending) && !c.m.heldDirs[c.pending[n].dir] {
		events[n] = c.pending[n].ev
		n++
	}
	c.pending = c.pending[n:]
	return n
}

func (c *mockContext) Poll(ctx context.Context, events []interfaces.CompletionEvent, timeout time.Duration) (int, error) {
	c.m.mu.Lock()
	c.m.pollCalls++
	c.m.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		if n := c.take(events); n > 0 {
			return n, nil
		}
		select {
		case <-c.m.ready:
		case <-time.After(100 * time.Microsecond):
		case <-t.C:
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (c *mockContext) Close() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.m.ctxClosed++
	}
	return nil
}

// Compile-time interface checks
var (
	_ Opener                  = (*MockQueue)(nil)
	_ QueueHandle             = (*mockHandle)(nil)
	_ interfaces.AsyncContext = (*mockContext)(nil)
)
