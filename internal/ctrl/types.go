package ctrl

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// DefaultTool is the control utility shipped with the driver.
const DefaultTool = "dma-ctl"

// QueueState tracks where a queue is in its lifecycle.
type QueueState int

const (
	QueueAbsent QueueState = iota
	QueueAdded
	QueueStarted
	QueueStopped
)

func (s QueueState) String() string {
	switch s {
	case QueueAbsent:
		return "absent"
	case QueueAdded:
		return "added"
	case QueueStarted:
		return "started"
	case QueueStopped:
		return "stopped"
	default:
		return fmt.Sprintf("queue_state(%d)", int(s))
	}
}

// Runner executes the control tool and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return out, nil
}

// ControllerParams configures a Controller.
type ControllerParams struct {
	// Tool is the control utility, DefaultTool when empty.
	Tool   string
	Runner Runner
	// Timeout bounds each invocation.
	Timeout time.Duration
}

func DefaultControllerParams() ControllerParams {
	return ControllerParams{
		Tool:    DefaultTool,
		Runner:  ExecRunner{},
		Timeout: 10 * time.Second,
	}
}
