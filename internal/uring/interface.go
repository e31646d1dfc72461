// Package uring provides io_uring backed asynchronous contexts for reading
// and writing queue character devices.
package uring

import (
	"errors"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
	"github.com/ehrlich-b/go-dmaperf/internal/logging"
)

// ErrRingFull is returned by Submit when no submission entry is free.
var ErrRingFull = errors.New("uring: submission queue full")

// ErrClosed is returned by operations on a closed context.
var ErrClosed = errors.New("uring: context closed")

// Config contains configuration for creating a context
type Config struct {
	Entries uint32 // Number of entries in the ring
	FD      int    // File descriptor requests are issued against
}

// NewAsyncContext creates a ring sized for cfg.Entries requests in flight.
func NewAsyncContext(cfg Config) (interfaces.AsyncContext, error) {
	logger := logging.Default()
	logger.Debug("creating io_uring context", "entries", cfg.Entries, "fd", cfg.FD)

	c, err := newContext(cfg)
	if err != nil {
		logger.Error("failed to create io_uring", "error", err)
		return nil, err
	}
	return c, nil
}
