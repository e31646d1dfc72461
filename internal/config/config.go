// Package config reads dma-perf configuration files.
//
// The format is one key=value pair per line. Blank lines and text after
// '#' are ignored. Unknown keys are ignored so that files written for
// other tools of the suite can be shared.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ehrlich-b/go-dmaperf/internal/constants"
	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// File is a parsed configuration file.
type File struct {
	Mode       interfaces.Mode
	Directions []interfaces.Direction
	Name       string

	PFStart, PFCount uint32
	QStart, QCount   uint32
	RingIndex        uint32

	RuntimeSecs    uint32
	ThreadsPerQ    uint32
	PacketSize     uint32
	PacketBurst    uint32
	MMChannel      uint32
	Offset         uint64
	PCIBus, PCIDev uint32
	VF             bool

	TimerIndex   uint32
	CounterIndex uint32
	TrigMode     string
	Prefetch     bool
	CmptSize     uint32
	Dump         bool
	Marker       bool
	Keyhole      bool
	ApertureSize uint32

	// RingSizes overrides the device's global ring size table.
	RingSizes []uint32
}

// Default returns the values used for keys a file leaves out.
func Default() *File {
	return &File{
		Mode:        interfaces.ModeMM,
		Directions:  []interfaces.Direction{interfaces.H2C},
		PFCount:     1,
		QCount:      1,
		RuntimeSecs: 1,
		ThreadsPerQ: constants.DefaultThreadsPerQueue,
		PacketSize:  constants.DefaultPacketSize,
		PacketBurst: constants.DefaultBurst,
		TrigMode:    "usr",
		Marker:      true,
	}
}

// Load parses the file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads a configuration from r on top of Default.
func Parse(r io.Reader) (*File, error) {
	cfg := Default()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value, got %q", line, text)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := cfg.set(key, value); err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseUint(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return uint32(v), nil
}

func parseHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex integer %q", s)
	}
	return uint32(v), nil
}

func parseRange(s string) (start, count uint32, err error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected start:end, got %q", s)
	}
	if start, err = parseUint(strings.TrimSpace(lo)); err != nil {
		return 0, 0, err
	}
	end, err := parseUint(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("range end %d before start %d", end, start)
	}
	return start, end - start + 1, nil
}

func (c *File) set(key, value string) error {
	var err error
	u := func(dst *uint32) { *dst, err = parseUint(value) }
	b := func(dst *bool) {
		var v uint32
		v, err = parseUint(value)
		*dst = v != 0
	}

	switch key {
	case "mode":
		switch value {
		case "mm":
			c.Mode = interfaces.ModeMM
		case "st":
			c.Mode = interfaces.ModeST
		default:
			return fmt.Errorf("unknown mode %q", value)
		}
	case "dir":
		switch value {
		case "h2c":
			c.Directions = []interfaces.Direction{interfaces.H2C}
		case "c2h":
			c.Directions = []interfaces.Direction{interfaces.C2H}
		case "bi":
			c.Directions = []interfaces.Direction{interfaces.H2C, interfaces.C2H}
		default:
			return fmt.Errorf("unknown dir %q", value)
		}
	case "name":
		c.Name = value
	case "pf_range":
		c.PFStart, c.PFCount, err = parseRange(value)
	case "q_range":
		c.QStart, c.QCount, err = parseRange(value)
	case "rngidx":
		u(&c.RingIndex)
	case "runtime":
		u(&c.RuntimeSecs)
	case "num_threads":
		u(&c.ThreadsPerQ)
	case "pkt_sz":
		u(&c.PacketSize)
	case "num_pkt":
		u(&c.PacketBurst)
	case "mm_chnl":
		u(&c.MMChannel)
	case "offset":
		c.Offset, err = strconv.ParseUint(value, 0, 64)
	case "pci_bus":
		c.PCIBus, err = parseHex(value)
	case "pci_dev":
		c.PCIDev, err = parseHex(value)
	case "vf_perf":
		var v uint32
		v, err = parseHex(value)
		c.VF = v != 0
	case "tmr_idx":
		u(&c.TimerIndex)
	case "cntr_idx":
		u(&c.CounterIndex)
	case "trig_mode":
		c.TrigMode = value
	case "pfetch_en":
		b(&c.Prefetch)
	case "cmptsz":
		u(&c.CmptSize)
	case "dump_en":
		b(&c.Dump)
	case "marker_en":
		var v uint32
		v, err = parseHex(value)
		c.Marker = v != 0
	case "keyhole_en":
		b(&c.Keyhole)
	case "aperture_sz":
		u(&c.ApertureSize)
	case "ring_sizes":
		c.RingSizes = c.RingSizes[:0]
		for _, f := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
			var v uint32
			if v, err = parseUint(f); err != nil {
				return err
			}
			c.RingSizes = append(c.RingSizes, v)
		}
	}
	return err
}

var trigModes = map[string]bool{
	"every": true, "usr_cnt": true, "usr": true,
	"usr_tmr": true, "cntr_tmr": true, "dis": true,
}

// Validate checks the combination of values.
func (c *File) Validate() error {
	if c.PCIBus == 0 && c.PCIDev == 0 {
		return fmt.Errorf("config: PCI bus information not provided")
	}
	if c.PFCount == 0 || c.QCount == 0 || c.ThreadsPerQ == 0 {
		return fmt.Errorf("config: pf_range, q_range and num_threads must be non-empty")
	}
	if c.PacketSize == 0 || c.PacketBurst == 0 {
		return fmt.Errorf("config: pkt_sz and num_pkt must be positive")
	}
	if c.PFStart+c.PFCount > 16 {
		return fmt.Errorf("config: function %d out of range", c.PFStart+c.PFCount-1)
	}
	if c.Mode == interfaces.ModeST && !trigModes[c.TrigMode] {
		return fmt.Errorf("config: unknown trig_mode %q", c.TrigMode)
	}
	return nil
}

// DevicePrefix is the control device prefix, qdma or qdmavf.
func (c *File) DevicePrefix() string {
	if c.VF {
		return constants.VFQueueNamePrefix
	}
	return constants.QueueNamePrefix
}

// DeviceName returns the control device name of function pf.
func (c *File) DeviceName(pf uint32) string {
	return fmt.Sprintf("%s%02x%02x%01x", c.DevicePrefix(), c.PCIBus, c.PCIDev, pf)
}

// QueueName returns the char device name of queue qid on function pf.
func (c *File) QueueName(pf, qid uint32) string {
	mode := "MM"
	if c.Mode == interfaces.ModeST {
		mode = "ST"
	}
	return fmt.Sprintf("%s-%s-%d", c.DeviceName(pf), mode, qid)
}

// startArgs returns the dma-ctl start arguments that depend on mode and
// direction.
func (c *File) startArgs(dir interfaces.Direction) []string {
	var args []string
	switch {
	case c.Mode == interfaces.ModeST && dir == interfaces.C2H:
		args = append(args,
			"cmptsz", strconv.FormatUint(uint64(c.CmptSize), 10),
			"idx_tmr", strconv.FormatUint(uint64(c.TimerIndex), 10),
			"idx_cntr", strconv.FormatUint(uint64(c.CounterIndex), 10),
			"trigmode", c.TrigMode)
		if c.Prefetch {
			args = append(args, "pfetch_en")
		}
	case c.Mode == interfaces.ModeMM:
		args = append(args, "mm_chnl", strconv.FormatUint(uint64(c.MMChannel), 10))
		if dir == interfaces.H2C && c.Keyhole {
			args = append(args, "aperture_sz", strconv.FormatUint(uint64(c.ApertureSize), 10))
		}
	}
	return args
}

// Queues expands the file into one spec per function, queue and
// direction, in the order workers are created.
func (c *File) Queues() []interfaces.QueueSpec {
	var specs []interfaces.QueueSpec
	for pf := c.PFStart; pf < c.PFStart+c.PFCount; pf++ {
		for q := c.QStart; q < c.QStart+c.QCount; q++ {
			for _, dir := range c.Directions {
				specs = append(specs, interfaces.QueueSpec{
					Device:    c.DeviceName(pf),
					Name:      c.QueueName(pf, q),
					QueueID:   q,
					Mode:      c.Mode,
					Direction: dir,
					RingIndex: c.RingIndex,
					Extra:     c.startArgs(dir),
				})
			}
		}
	}
	return specs
}
