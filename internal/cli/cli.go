// Package cli holds the setup shared by the dma-perf and dma-latency
// commands: flags, configuration, logging and the choice between real
// hardware and the loopback device.
package cli

import (
	"flag"
	"fmt"
	"io"
	"time"

	dmaperf "github.com/ehrlich-b/go-dmaperf"
	"github.com/ehrlich-b/go-dmaperf/backend"
	"github.com/ehrlich-b/go-dmaperf/internal/config"
	"github.com/ehrlich-b/go-dmaperf/internal/ctrl"
	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
	"github.com/ehrlich-b/go-dmaperf/internal/logging"
)

// LoopbackSize is the memory behind the loopback device.
const LoopbackSize = 64 << 20

// Flags are the command line options common to both tools.
type Flags struct {
	Config   string
	Loopback bool
	Runtime  time.Duration
	Verbose  bool
	JSON     bool
}

// Register binds the flags to fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.Config, "c", "", "configuration file")
	fs.BoolVar(&f.Loopback, "loopback", false, "run against an in-memory device instead of hardware")
	fs.DurationVar(&f.Runtime, "runtime", 0, "override the configured runtime (e.g. 10s)")
	fs.BoolVar(&f.Verbose, "v", false, "verbose output")
	fs.BoolVar(&f.JSON, "json", false, "log in JSON")
}

// Setup is everything a command needs to build an engine.
type Setup struct {
	File    *config.File
	Params  dmaperf.Params
	Options dmaperf.Options
	Logger  *logging.Logger
}

// loopbackFile describes the queues used when no configuration is given.
func loopbackFile() *config.File {
	f := config.Default()
	f.PCIBus = 1
	f.Directions = []interfaces.Direction{interfaces.H2C, interfaces.C2H}
	return f
}

// NewLogger creates the command logger from the flags.
func (f *Flags) NewLogger(out io.Writer) *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Output = out
	if f.Verbose {
		cfg.Level = logging.LevelDebug
	}
	if f.JSON {
		cfg.Format = "json"
	}
	return logging.NewLogger(cfg)
}

// Build loads the configuration and wires the collaborators. logger is
// used by every component it creates.
func (f *Flags) Build(logger *logging.Logger) (*Setup, error) {
	var file *config.File
	switch {
	case f.Config != "":
		var err error
		if file, err = config.Load(f.Config); err != nil {
			return nil, err
		}
	case f.Loopback:
		file = loopbackFile()
	default:
		return nil, fmt.Errorf("a configuration file (-c) is required unless -loopback is set")
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}

	p := Params(file)
	if f.Runtime > 0 {
		p.Runtime = f.Runtime
	}

	s := &Setup{File: file, Params: p, Logger: logger}
	s.Options.Logger = logger
	if f.Loopback {
		sizes := file.RingSizes
		if len(sizes) == 0 {
			sizes = make([]uint32, file.RingIndex+1)
			for i := range sizes {
				sizes[i] = dmaperf.DefaultRingDepth
			}
		}
		s.Options.Opener = backend.NewLoopback(backend.LoopbackConfig{Size: LoopbackSize})
		s.Options.Manager = ctrl.NewMemory(sizes)
	} else {
		c := ctrl.NewController(ctrl.DefaultControllerParams())
		c.SetLogger(logger)
		s.Options.Opener = backend.NewCharDev(backend.CharDevConfig{Logger: logger})
		s.Options.Manager = c
	}
	logger.Debug("configuration loaded",
		"mode", file.Mode.String(),
		"queues", len(p.Queues),
		"threads", p.ThreadsPerQueue,
		"pkt_sz", p.PacketSize,
		"burst", p.Burst,
		"runtime", p.Runtime.String(),
		"loopback", f.Loopback)
	return s, nil
}

// Params converts a configuration file into engine parameters.
func Params(file *config.File) dmaperf.Params {
	p := dmaperf.DefaultParams(file.Queues()...)
	p.ThreadsPerQueue = int(file.ThreadsPerQ)
	p.PacketSize = file.PacketSize
	p.Burst = file.PacketBurst
	p.Offset = int64(file.Offset)
	p.Runtime = time.Duration(file.RuntimeSecs) * time.Second
	p.RingSizes = file.RingSizes
	p.DumpQueues = file.Dump
	return p
}
