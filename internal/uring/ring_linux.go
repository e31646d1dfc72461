//go:build linux

package uring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// cancelledUserData marks entries neutralised after a failed submit.
const cancelledUserData = ^uint64(0)

// ringContext issues readv/writev requests through one io_uring. Submit and
// Poll may run on different goroutines; the submission and completion
// sides of the ring are independent.
type ringContext struct {
	ring *giouring.Ring
	fd   int

	mu       sync.Mutex
	inflight map[uint64][]unix.Iovec
	spare    [][]unix.Iovec
	closed   bool

	cqes []*giouring.CompletionQueueEvent
}

func newContext(cfg Config) (interfaces.AsyncContext, error) {
	if cfg.Entries == 0 {
		return nil, fmt.Errorf("uring: entries must be positive")
	}
	ring, err := giouring.CreateRing(cfg.Entries)
	if err != nil {
		return nil, fmt.Errorf("uring: create ring with %d entries: %w", cfg.Entries, err)
	}
	return &ringContext{
		ring:     ring,
		fd:       cfg.FD,
		inflight: make(map[uint64][]unix.Iovec, cfg.Entries),
	}, nil
}

func (c *ringContext) iovecs(n int) []unix.Iovec {
	if k := len(c.spare); k > 0 {
		iov := c.spare[k-1]
		c.spare = c.spare[:k-1]
		if cap(iov) >= n {
			return iov[:n]
		}
	}
	return make([]unix.Iovec, n)
}

// Submit queues one vectored request. The buffers must stay valid until
// the completion is harvested.
func (c *ringContext) Submit(dir interfaces.Direction, bufs [][]byte, offset int64, userData uint64) error {
	if len(bufs) == 0 {
		return fmt.Errorf("uring: empty request")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	iov := c.iovecs(len(bufs))
	for i, b := range bufs {
		iov[i].Base = &b[0]
		iov[i].SetLen(len(b))
	}
	c.inflight[userData] = iov
	c.mu.Unlock()

	sqe := c.ring.GetSQE()
	if sqe == nil {
		c.forget(userData)
		return ErrRingFull
	}
	ptr := uintptr(unsafe.Pointer(&iov[0]))
	switch dir {
	case interfaces.H2C:
		sqe.PrepareWritev(c.fd, ptr, uint32(len(iov)), uint64(offset))
	default:
		sqe.PrepareReadv(c.fd, ptr, uint32(len(iov)), uint64(offset))
	}
	sqe.UserData = userData

	if _, err := c.ring.Submit(); err != nil {
		// the entry stays in the ring; turn it into a no-op so the
		// buffers are not touched once the caller frees them
		sqe.PrepareNop()
		sqe.UserData = cancelledUserData
		c.forget(userData)
		return fmt.Errorf("uring: submit: %w", err)
	}
	return nil
}

func (c *ringContext) forget(userData uint64) {
	c.mu.Lock()
	if iov, ok := c.inflight[userData]; ok {
		delete(c.inflight, userData)
		c.spare = append(c.spare, iov)
	}
	c.mu.Unlock()
}

// Poll waits up to timeout for the first completion and then takes as many
// as are ready, up to len(events).
func (c *ringContext) Poll(ctx context.Context, events []interfaces.CompletionEvent, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	ts := syscall.NsecToTimespec(int64(timeout))
	if _, err := c.ring.WaitCQETimeout(&ts); err != nil {
		if errors.Is(err, syscall.ETIME) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			return 0, nil
		}
		return 0, fmt.Errorf("uring: wait: %w", err)
	}

	if cap(c.cqes) < len(events) {
		c.cqes = make([]*giouring.CompletionQueueEvent, len(events))
	}
	cqes := c.cqes[:len(events)]
	n := c.ring.PeekBatchCQE(cqes)

	out := 0
	for i := uint32(0); i < n; i++ {
		cqe := cqes[i]
		if cqe.UserData == cancelledUserData {
			continue
		}
		ev := interfaces.CompletionEvent{UserData: cqe.UserData, Bytes: int64(cqe.Res)}
		if cqe.Res < 0 {
			ev.Err = syscall.Errno(-cqe.Res)
			ev.Bytes = -1
		}
		c.forget(cqe.UserData)
		events[out] = ev
		out++
	}
	c.ring.CQAdvance(n)
	return out, nil
}

// Close tears the ring down. Requests still in flight are abandoned.
func (c *ringContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ring.QueueExit()
	c.inflight = nil
	c.spare = nil
	return nil
}
