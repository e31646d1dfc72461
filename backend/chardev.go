package backend

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-dmaperf/internal/constants"
	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
	"github.com/ehrlich-b/go-dmaperf/internal/logging"
	"github.com/ehrlich-b/go-dmaperf/internal/uring"
)

// CharDevConfig configures a CharDev opener.
type CharDevConfig struct {
	// Dir holds the queue device nodes (default /dev).
	Dir string
	// OpenRetries and OpenInterval bound the wait for a node the driver
	// has not created yet.
	OpenRetries  int
	OpenInterval time.Duration
	Logger       *logging.Logger
}

// CharDev opens the character devices the QDMA driver creates per queue
// and issues requests against them through io_uring.
type CharDev struct {
	cfg CharDevConfig
}

// NewCharDev creates an opener with defaults filled in.
func NewCharDev(cfg CharDevConfig) *CharDev {
	if cfg.Dir == "" {
		cfg.Dir = "/dev"
	}
	if cfg.OpenRetries <= 0 {
		cfg.OpenRetries = constants.DeviceOpenRetries
	}
	if cfg.OpenInterval <= 0 {
		cfg.OpenInterval = constants.DeviceOpenInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &CharDev{cfg: cfg}
}

// Path returns the device node of queue name.
func (d *CharDev) Path(name string) string {
	return filepath.Join(d.cfg.Dir, name)
}

// Open opens the queue's node read-write, retrying while it does not exist.
func (d *CharDev) Open(name string) (interfaces.QueueHandle, error) {
	path := d.Path(name)
	var (
		fd  int
		err error
	)
	for i := 0; i < d.cfg.OpenRetries; i++ {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			d.cfg.Logger.Debug("opened queue device", "path", path, "fd", fd, "attempts", i+1)
			return &charHandle{name: name, fd: fd, logger: d.cfg.Logger}, nil
		}
		if !errors.Is(err, unix.ENOENT) {
			break
		}
		time.Sleep(d.cfg.OpenInterval)
	}
	return nil, fmt.Errorf("open %s: %w", path, err)
}

type charHandle struct {
	name   string
	fd     int
	logger *logging.Logger
	closed bool
}

func (h *charHandle) NewContext(maxEvents int) (interfaces.AsyncContext, error) {
	if h.closed {
		return nil, fmt.Errorf("%s: handle closed", h.name)
	}
	return uring.NewAsyncContext(uring.Config{Entries: uint32(maxEvents), FD: h.fd})
}

func (h *charHandle) Name() string { return h.name }

func (h *charHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close %s: %w", h.name, err)
	}
	h.logger.Debug("closed queue device", "queue", h.name)
	return nil
}

var (
	_ interfaces.Opener      = (*CharDev)(nil)
	_ interfaces.QueueHandle = (*charHandle)(nil)
)
