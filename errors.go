package dmaperf

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-dmaperf/internal/arena"
	"github.com/ehrlich-b/go-dmaperf/internal/invariant"
	"github.com/ehrlich-b/go-dmaperf/internal/shutdown"
)

// Error represents a structured dmaperf error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "ADD_Q", "OPEN")
	Queue  string        // Queue name ("" if not applicable)
	Worker int           // Worker id (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Kernel errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Queue != "" {
		parts = append(parts, "queue="+e.Queue)
	}
	if e.Worker >= 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.Worker))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("dmaperf: %s (%s)", msg, strings.Join(parts, " "))
	}
	return "dmaperf: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel errors and structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorCode(se)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeResourceExhausted  ErrorCode = "resources exhausted"
	ErrCodeSubmissionFailed   ErrorCode = "submission failed"
	ErrCodeInvariantViolation ErrorCode = "invariant violation"
	ErrCodeDrainTimeout       ErrorCode = "drain timeout"
	ErrCodeQueueSetup         ErrorCode = "queue setup failed"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeIOError            ErrorCode = "I/O error"
)

// SentinelError allows errors.Is against a bare error code
type SentinelError string

func (e SentinelError) Error() string {
	return string(e)
}

const (
	ErrResourceExhausted  SentinelError = SentinelError(ErrCodeResourceExhausted)
	ErrSubmissionFailed   SentinelError = SentinelError(ErrCodeSubmissionFailed)
	ErrInvariantViolation SentinelError = SentinelError(ErrCodeInvariantViolation)
	ErrDrainTimeout       SentinelError = SentinelError(ErrCodeDrainTimeout)
	ErrQueueSetup         SentinelError = SentinelError(ErrCodeQueueSetup)
	ErrInvalidParameters  SentinelError = SentinelError(ErrCodeInvalidParameters)
	ErrDeviceNotFound     SentinelError = SentinelError(ErrCodeDeviceNotFound)
	ErrPermissionDenied   SentinelError = SentinelError(ErrCodePermissionDenied)
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Worker: -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op, queue string, code ErrorCode, inner error) *Error {
	e := WrapError(op, inner)
	if e == nil {
		e = NewError(op, code, "")
	}
	e.Queue = queue
	if code != "" {
		e.Code = code
	}
	return e
}

// WrapError wraps an existing error with dmaperf context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var de *Error
	if errors.As(inner, &de) {
		out := *de
		out.Op = op
		return &out
	}

	e := &Error{
		Op:     op,
		Worker: -1,
		Code:   classify(inner),
		Msg:    inner.Error(),
		Inner:  inner,
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

func classify(err error) ErrorCode {
	switch {
	case errors.Is(err, invariant.ErrViolation), errors.Is(err, arena.ErrInvalidFree):
		return ErrCodeInvariantViolation
	case errors.Is(err, shutdown.ErrBarrierTimeout):
		return ErrCodeDrainTimeout
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return mapErrnoToCode(errno)
	}
	return ErrCodeIOError
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EAGAIN, syscall.EMFILE:
		return ErrCodeResourceExhausted
	case syscall.ETIMEDOUT, syscall.ETIME:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Errno == errno
	}
	return false
}
