package ctrl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
	"github.com/ehrlich-b/go-dmaperf/internal/logging"
)

// Controller drives queue lifecycle through the driver's control tool.
type Controller struct {
	params ControllerParams
	logger *logging.Logger
}

var (
	_ interfaces.QueueManager = (*Controller)(nil)
	_ interfaces.RingSizer    = (*Controller)(nil)
)

func NewController(params ControllerParams) *Controller {
	def := DefaultControllerParams()
	if params.Tool == "" {
		params.Tool = def.Tool
	}
	if params.Runner == nil {
		params.Runner = def.Runner
	}
	if params.Timeout <= 0 {
		params.Timeout = def.Timeout
	}
	return &Controller{
		params: params,
		logger: logging.Default(),
	}
}

func (c *Controller) run(op string, spec interfaces.QueueSpec, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.params.Timeout)
	defer cancel()

	c.logger.Debug("control command", "op", op, "device", spec.Device, "args", strings.Join(args, " "))
	out, err := c.params.Runner.Run(ctx, c.params.Tool, args...)
	if err != nil {
		c.logger.Error("control command failed", "op", op, "queue", spec.Name, "error", err)
		return out, fmt.Errorf("%s %s: %w", op, spec.Name, err)
	}
	return out, nil
}

func queueArgs(spec interfaces.QueueSpec, verb string) []string {
	return []string{spec.Device, "q", verb,
		"idx", strconv.FormatUint(uint64(spec.QueueID), 10)}
}

// AddQueue runs "q add idx N mode mm|st dir h2c|c2h".
func (c *Controller) AddQueue(spec interfaces.QueueSpec) error {
	args := append(queueArgs(spec, "add"), "mode", spec.Mode.String(), "dir", spec.Direction.String())
	_, err := c.run("ADD_Q", spec, args...)
	return err
}

// StartQueue runs "q start idx N dir D idx_ringsz R" followed by the
// mode specific arguments carried in spec.Extra.
func (c *Controller) StartQueue(spec interfaces.QueueSpec) error {
	args := append(queueArgs(spec, "start"), "dir", spec.Direction.String(),
		"idx_ringsz", strconv.FormatUint(uint64(spec.RingIndex), 10))
	args = append(args, spec.Extra...)
	if _, err := c.run("START_Q", spec, args...); err != nil {
		return err
	}
	c.logger.Info("queue started", "queue", spec.Name, "dir", spec.Direction.String())
	return nil
}

func (c *Controller) StopQueue(spec interfaces.QueueSpec) error {
	args := append(queueArgs(spec, "stop"), "dir", spec.Direction.String())
	_, err := c.run("STOP_Q", spec, args...)
	return err
}

func (c *Controller) DeleteQueue(spec interfaces.QueueSpec) error {
	args := append(queueArgs(spec, "del"), "dir", spec.Direction.String())
	_, err := c.run("DEL_Q", spec, args...)
	return err
}

// DumpQueue runs "q dump idx N dir D" and returns the context dump.
func (c *Controller) DumpQueue(spec interfaces.QueueSpec) ([]byte, error) {
	args := append(queueArgs(spec, "dump"), "dir", spec.Direction.String())
	return c.run("DUMP_Q", spec, args...)
}

// RingSizes reads the global ring size table of device.
func (c *Controller) RingSizes(device string) ([]uint32, error) {
	out, err := c.run("GLOBAL_CSR", interfaces.QueueSpec{Device: device, Name: device}, device, "global_csr")
	if err != nil {
		return nil, err
	}
	return ParseRingSizes(out)
}

// ParseRingSizes extracts the entries of the "Global Ring" line of a
// global_csr dump.
func ParseRingSizes(out []byte) ([]uint32, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "Global Ring") {
			continue
		}
		_, list, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed ring size line %q", line)
		}
		var sizes []uint32
		for _, f := range strings.Fields(list) {
			v, err := strconv.ParseUint(f, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("ring size %q: %w", f, err)
			}
			sizes = append(sizes, uint32(v))
		}
		if len(sizes) == 0 {
			return nil, fmt.Errorf("empty ring size table")
		}
		return sizes, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no Global Ring entry in global_csr output")
}

// SetLogger sets the logger for this controller
func (c *Controller) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}
