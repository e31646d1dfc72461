package interfaces

import (
	"context"
	"fmt"
	"time"
)

// Direction is the transfer direction of a queue.
type Direction int

const (
	// H2C moves data host to card; requests are writes.
	H2C Direction = iota
	// C2H moves data card to host; requests are reads.
	C2H
)

func (d Direction) String() string {
	switch d {
	case H2C:
		return "h2c"
	case C2H:
		return "c2h"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Mode is the queue mode: memory mapped or streaming.
type Mode int

const (
	ModeMM Mode = iota
	ModeST
)

func (m Mode) String() string {
	switch m {
	case ModeMM:
		return "mm"
	case ModeST:
		return "st"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// QueueSpec identifies one hardware queue and how it is configured.
type QueueSpec struct {
	Device    string // control device, e.g. "qdma01000"
	Name      string // char device name under /dev, e.g. "qdma01000-MM-0"
	QueueID   uint32
	Mode      Mode
	Direction Direction
	RingIndex uint32
	// Extra carries mode specific dma-ctl arguments (timer index, prefetch, ...)
	Extra []string
}

// Key returns the identifier used for once-only queue release.
func (q QueueSpec) Key() string {
	return fmt.Sprintf("%s/%d/%s", q.Device, q.QueueID, q.Direction)
}

// CompletionEvent is one harvested request completion.
type CompletionEvent struct {
	// UserData is the value passed to Submit.
	UserData uint64
	// Bytes is the number of bytes transferred, or -1 on failure.
	Bytes int64
	// Err is non-nil when the request failed on the device.
	Err error
}

// AsyncContext is a per-worker submission token for asynchronous requests.
// A context is used by a single submitter and a single poller at a time.
type AsyncContext interface {
	// Submit issues one request covering bufs in order starting at offset.
	// Nothing is in flight when Submit returns an error.
	Submit(dir Direction, bufs [][]byte, offset int64, userData uint64) error

	// Poll harvests up to len(events) completions, waiting at most timeout
	// for the first one. It returns 0 with a nil error on timeout.
	Poll(ctx context.Context, events []CompletionEvent, timeout time.Duration) (int, error)

	// Close releases the context. Requests still in flight are abandoned.
	Close() error
}

// QueueHandle is an opened queue data path.
type QueueHandle interface {
	// NewContext creates a submission token able to track maxEvents
	// requests in flight.
	NewContext(maxEvents int) (AsyncContext, error)

	// Name returns the queue name the handle was opened with.
	Name() string

	// Close releases the handle.
	Close() error
}

// Opener opens queue handles by name.
type Opener interface {
	Open(name string) (QueueHandle, error)
}

// QueueManager drives the queue lifecycle on the device.
type QueueManager interface {
	AddQueue(spec QueueSpec) error
	StartQueue(spec QueueSpec) error
	StopQueue(spec QueueSpec) error
	DeleteQueue(spec QueueSpec) error
}

// RingSizer is optionally implemented by a QueueManager that can report
// the device's global ring size table.
type RingSizer interface {
	RingSizes(device string) ([]uint32, error)
}

// Observer receives per-request completion samples.
type Observer interface {
	ObserveCompletion(dir Direction, bytes uint64, latencyNs uint64, success bool)
	ObserveOutstanding(n uint32)
}
