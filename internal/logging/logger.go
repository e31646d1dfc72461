// Package logging provides structured logging for go-dmaperf
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with queue and worker structured fields
type Logger struct {
	zlog zerolog.Logger
	out  *asyncWriter // nil for synchronous loggers
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps a level name to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	l, err := zerolog.ParseLevel(s)
	if err != nil {
		return LevelInfo, fmt.Errorf("logging: %w", err)
	}
	return LogLevel(l), nil
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
	// Buffer is the number of lines an asynchronous logger queues before
	// it starts dropping (default 1000).
	Buffer int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
		Buffer: 1000,
	}
}

// asyncWriter hands lines to a writer goroutine. Lines that do not fit the
// queue are counted and dropped, so a worker never waits on the terminal.
type asyncWriter struct {
	out     io.Writer
	ch      chan []byte
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func newAsyncWriter(w io.Writer, size int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
	go func() {
		defer close(aw.done)
		for line := range aw.ch {
			aw.out.Write(line)
		}
	}()
	return aw
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}
	// zerolog reuses p after Write returns
	line := append([]byte(nil), p...)
	select {
	case aw.ch <- line:
	default:
		aw.dropped.Add(1)
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return nil
	}
	aw.closed = true
	close(aw.ch)
	aw.mu.Unlock()
	<-aw.done
	return nil
}

func newZerolog(w io.Writer, config *Config) zerolog.Logger {
	if config.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: config.NoColor, TimeFormat: time.StampMicro}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(zerolog.Level(config.Level))
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Sync {
		return &Logger{zlog: newZerolog(config.Output, config)}
	}
	size := config.Buffer
	if size <= 0 {
		size = 1000
	}
	aw := newAsyncWriter(config.Output, size)
	return &Logger{zlog: newZerolog(aw, config), out: aw}
}

// Dropped returns the number of lines an asynchronous logger discarded
// because its queue was full.
func (l *Logger) Dropped() uint64 {
	if l.out == nil {
		return 0
	}
	return l.out.dropped.Load()
}

// Close flushes an asynchronous logger and reports dropped lines. Children
// share the writer of their root, so only the root needs closing.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	if n := l.Dropped(); n > 0 {
		l.zlog.Warn().Uint64("dropped", n).Msg("log lines dropped")
	}
	return l.out.Close()
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) with(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger()}
}

// WithDevice returns a logger with control device context
func (l *Logger) WithDevice(device string) *Logger {
	return l.with(l.zlog.With().Str("device", device))
}

// WithQueue returns a logger with queue context
func (l *Logger) WithQueue(name string) *Logger {
	return l.with(l.zlog.With().Str("queue", name))
}

// WithWorker returns a logger with worker context
func (l *Logger) WithWorker(id int, dir fmt.Stringer) *Logger {
	return l.with(l.zlog.With().Int("worker", id).Stringer("dir", dir))
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

// WithContext returns a copy of ctx carrying l.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return l.zlog.WithContext(ctx)
}

// FromContext returns the logger carried by ctx, or nil.
func FromContext(ctx context.Context) *Logger {
	z := zerolog.Ctx(ctx)
	if z == nil || z.GetLevel() == zerolog.Disabled {
		return nil
	}
	return &Logger{zlog: *z}
}

// pick prefers the logger carried by ctx over l.
func (l *Logger) pick(ctx context.Context) *Logger {
	if ctx != nil {
		if c := FromContext(ctx); c != nil {
			return c
		}
	}
	return l
}

// fields adds key/value pairs to e. Odd trailing values are ignored.
func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		switch v := kv[i+1].(type) {
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case uint32:
			e = e.Uint32(key, v)
		case uint64:
			e = e.Uint64(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}

func (l *Logger) Debug(msg string, args ...any) { fields(l.zlog.Debug(), args).Msg(msg) }
func (l *Logger) Info(msg string, args ...any) { fields(l.zlog.Info(), args).Msg(msg) }
func (l *Logger) Warn(msg string, args ...any) { fields(l.zlog.Warn(), args).Msg(msg) }
func (l *Logger) Error(msg string, args ...any) { fields(l.zlog.Error(), args).Msg(msg) }

// The Context variants log through the logger carried by ctx when there
// is one, so fields attached upstream are kept.

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.pick(ctx).Debug(msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.pick(ctx).Info(msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.pick(ctx).Warn(msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.pick(ctx).Error(msg, args...)
}

// Printf logs at warn level. Worker loops use it for failures that do not
// stop the run.
func (l *Logger) Printf(format string, args ...any) { l.zlog.Warn().Msgf(format, args...) }

func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any) { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any) { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zlog.Error().Msgf(format, args...) }

// Convenience functions for global logger
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any) { Default().Info(msg, args...) }
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

func DebugCtx(ctx context.Context, msg string, args ...any) {
	Default().DebugContext(ctx, msg, args...)
}

func InfoCtx(ctx context.Context, msg string, args ...any) {
	Default().InfoContext(ctx, msg, args...)
}

func WarnCtx(ctx context.Context, msg string, args ...any) {
	Default().WarnContext(ctx, msg, args...)
}

func ErrorCtx(ctx context.Context, msg string, args ...any) {
	Default().ErrorContext(ctx, msg, args...)
}
