// Package dmaperf generates sustained asynchronous DMA load against QDMA
// queues and reports the achieved throughput.
package dmaperf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-dmaperf/internal/constants"
	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
	"github.com/ehrlich-b/go-dmaperf/internal/logging"
	"github.com/ehrlich-b/go-dmaperf/internal/queue"
	"github.com/ehrlich-b/go-dmaperf/internal/shutdown"
	"github.com/ehrlich-b/go-dmaperf/internal/stats"
)

type (
	QueueSpec       = interfaces.QueueSpec
	Direction       = interfaces.Direction
	Mode            = interfaces.Mode
	Opener          = interfaces.Opener
	QueueHandle     = interfaces.QueueHandle
	AsyncContext    = interfaces.AsyncContext
	CompletionEvent = interfaces.CompletionEvent
	QueueManager    = interfaces.QueueManager
	Summary         = stats.Summary
	WorkerReport    = stats.WorkerReport
	WorkerState     = queue.WorkerState
)

// Logger receives engine and worker log lines.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// QueueDumper is implemented by managers that can dump queue state.
type QueueDumper interface {
	DumpQueue(spec QueueSpec) ([]byte, error)
}

// Params describes one load run.
type Params struct {
	// Queues lists every queue and direction to load. Each entry gets
	// ThreadsPerQueue workers.
	Queues          []QueueSpec
	ThreadsPerQueue int

	PacketSize uint32 // bytes per buffer
	Burst      uint32 // buffers per batch
	Offset     int64  // device offset of every request

	// Runtime ends submission; zero runs until Stop or ForceExit.
	Runtime time.Duration

	// RingSizes overrides the manager's global ring size table. Each
	// queue's request cap is RingSizes[spec.RingIndex].
	RingSizes []uint32

	RequestsPerContext uint32
	AllocRetryBudget   int
	PollTimeout        time.Duration
	DrainRetries       int
	DrainInterval      time.Duration
	BarrierRetries     int
	BarrierInterval    time.Duration

	// DumpQueues dumps each queue's state before it is stopped.
	DumpQueues bool
}

// DefaultParams returns default run parameters for queues
func DefaultParams(queues ...QueueSpec) Params {
	return Params{
		Queues:             queues,
		ThreadsPerQueue:    constants.DefaultThreadsPerQueue,
		PacketSize:         constants.DefaultPacketSize,
		Burst:              constants.DefaultBurst,
		Runtime:            time.Second,
		RequestsPerContext: constants.DefaultRequestsPerContext,
		AllocRetryBudget:   constants.DefaultAllocRetryBudget,
		PollTimeout:        constants.DefaultPollTimeout,
		DrainRetries:       constants.DefaultDrainRetries,
		DrainInterval:      constants.DefaultDrainInterval,
		BarrierRetries:     constants.DefaultBarrierRetries,
		BarrierInterval:    constants.DefaultBarrierInterval,
	}
}

// Validate checks the parameters
func (p Params) Validate() error {
	switch {
	case len(p.Queues) == 0:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "no queues configured")
	case p.ThreadsPerQueue <= 0:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "threads per queue must be positive")
	case p.PacketSize == 0:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "packet size must be positive")
	case p.Burst == 0:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "burst must be positive")
	case p.Runtime < 0 || p.Offset < 0:
		return NewError("VALIDATE", ErrCodeInvalidParameters, "runtime and offset must not be negative")
	}
	seen := make(map[string]bool, len(p.Queues))
	for _, q := range p.Queues {
		if q.Name == "" {
			return NewError("VALIDATE", ErrCodeInvalidParameters, "queue without a name")
		}
		if seen[q.Key()] {
			return NewError("VALIDATE", ErrCodeInvalidParameters, "duplicate queue "+q.Key())
		}
		seen[q.Key()] = true
	}
	for i, s := range p.RingSizes {
		if s == 0 {
			return NewError("VALIDATE", ErrCodeInvalidParameters, fmt.Sprintf("ring size %d is zero", i))
		}
	}
	return nil
}

// Options contains the collaborators of an engine
type Options struct {
	// Opener opens queue data paths (required)
	Opener Opener

	// Manager adds, starts, stops and deletes queues (required)
	Manager QueueManager

	// Logger for debug/info messages (if nil, no logging)
	Logger Logger

	// Observer for per-request samples (if nil, the engine's Metrics)
	Observer Observer
}

// Result is the outcome of a run.
type Result struct {
	Summary Summary
	Reports []WorkerReport // ordered by worker id
	Metrics MetricsSnapshot
	Elapsed time.Duration
}

// Lines renders the result in the dma-perf output format.
func (r *Result) Lines() []string {
	return r.Summary.Lines()
}

// Engine runs one load generation pass over a set of queues.
type Engine struct {
	params  Params
	opts    Options
	coord   *shutdown.Coordinator
	metrics *Metrics
	limiter *catrate.Limiter

	mu      sync.Mutex
	started bool
	workers []*queue.Worker
}

// New validates params and prepares an engine. Nothing touches the device
// until Run.
func New(params Params, opts Options) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts.Opener == nil || opts.Manager == nil {
		return nil, NewError("NEW", ErrCodeInvalidParameters, "opener and manager are required")
	}

	e := &Engine{
		params: params,
		opts:   opts,
		coord: shutdown.New(shutdown.Config{
			BarrierRetries:  params.BarrierRetries,
			BarrierInterval: params.BarrierInterval,
		}),
		metrics: NewMetrics(),
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		}),
	}
	if e.opts.Observer == nil {
		e.opts.Observer = e.metrics
	}
	return e, nil
}

// Metrics returns the engine's built-in metrics
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Stop ends submission on every worker. In-flight requests are drained.
func (e *Engine) Stop() {
	e.coord.Signal()
}

// ForceExit ends submission immediately, bypassing the run deadline.
// In-flight requests are still drained.
func (e *Engine) ForceExit() {
	e.coord.ForceExit()
}

// States returns the loop state of every worker, by worker id.
func (e *Engine) States() []WorkerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]WorkerState, len(e.workers))
	for i, w := range e.workers {
		out[i] = w.State()
	}
	return out
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.opts.Logger != nil {
		e.opts.Logger.Printf(format, args...)
	}
}

func (e *Engine) debugf(format string, args ...interface{}) {
	if e.opts.Logger != nil {
		e.opts.Logger.Debugf(format, args...)
	}
}

func (e *Engine) workerLogger(spec QueueSpec) queue.Logger {
	switch l := e.opts.Logger.(type) {
	case nil:
		return nil
	case *logging.Logger:
		return l.WithQueue(spec.Name)
	default:
		return l
	}
}

// ringSizes resolves the ring size table used for request caps.
func (e *Engine) ringSizes() ([]uint32, error) {
	if len(e.params.RingSizes) > 0 {
		return e.params.RingSizes, nil
	}
	if rs, ok := e.opts.Manager.(interfaces.RingSizer); ok {
		sizes, err := rs.RingSizes(e.params.Queues[0].Device)
		if err != nil {
			return nil, NewQueueError("GLOBAL_CSR", e.params.Queues[0].Device, ErrCodeQueueSetup, err)
		}
		return sizes, nil
	}
	return []uint32{constants.DefaultRingDepth}, nil
}

// setup tracks what Run brought up so it can be torn down.
type setup struct {
	queues  []QueueSpec
	started map[string]bool
	handles map[string]QueueHandle
}

func (e *Engine) teardown(s *setup) {
	for _, q := range s.queues {
		if s.started[q.Key()] {
			if err := e.coord.ReleaseOnce(q.Key(), e.stopQueue(q)); err != nil {
				e.logf("stop queue %s %s: %v", q.Name, q.Direction, err)
			}
		}
		if err := e.opts.Manager.DeleteQueue(q); err != nil {
			e.logf("delete queue %s %s: %v", q.Name, q.Direction, err)
		}
	}
	for name, h := range s.handles {
		if err := h.Close(); err != nil {
			e.logf("close %s: %v", name, err)
		}
	}
}

func (e *Engine) stopQueue(q QueueSpec) func() error {
	return func() error {
		if d, ok := e.opts.Manager.(QueueDumper); ok && e.params.DumpQueues {
			if out, err := d.DumpQueue(q); err != nil {
				e.logf("dump queue %s %s: %v", q.Name, q.Direction, err)
			} else {
				e.debugf("queue %s %s:\n%s", q.Name, q.Direction, out)
			}
		}
		return e.opts.Manager.StopQueue(q)
	}
}

func (e *Engine) bringUp(ctx context.Context, s *setup) error {
	for _, q := range e.params.Queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.opts.Manager.AddQueue(q); err != nil {
			return NewQueueError("ADD_Q", q.Name, ErrCodeQueueSetup, err)
		}
		s.queues = append(s.queues, q)
		if err := e.opts.Manager.StartQueue(q); err != nil {
			return NewQueueError("START_Q", q.Name, ErrCodeQueueSetup, err)
		}
		s.started[q.Key()] = true
		if _, ok := s.handles[q.Name]; ok {
			continue
		}
		h, err := e.opts.Opener.Open(q.Name)
		if err != nil {
			return NewQueueError("OPEN", q.Name, "", err)
		}
		s.handles[q.Name] = h
	}
	return nil
}

// workerConfig derives the per-worker configuration of queue q.
func (e *Engine) workerConfig(q QueueSpec, thread int, h QueueHandle, maxReqs uint32) queue.Config {
	p := e.params
	cfg := queue.Config{
		Spec:               q,
		Thread:             thread,
		Handle:             h,
		Coordinator:        e.coord,
		Release:            e.stopQueue(q),
		PacketSize:         p.PacketSize,
		Burst:              p.Burst,
		PacketBurst:        1,
		MaxRequests:        maxReqs,
		RequestsPerContext: p.RequestsPerContext,
		Offset:             p.Offset,
		Runtime:            p.Runtime,
		AllocRetryBudget:   p.AllocRetryBudget,
		PollTimeout:        p.PollTimeout,
		DrainRetries:       p.DrainRetries,
		DrainInterval:      p.DrainInterval,
		Observer:           e.opts.Observer,
		Logger:             e.workerLogger(q),
		Limiter:            e.limiter,
	}
	// A streaming C2H read returns a whole burst of packets in one buffer.
	if q.Mode == interfaces.ModeST && q.Direction == interfaces.C2H {
		cfg.PacketSize = p.Burst * p.PacketSize
		cfg.Burst = 1
		cfg.PacketBurst = p.Burst
	}
	return cfg
}

// Run adds and starts every queue, runs the workers until the runtime
// elapses or the run is stopped, drains, tears the queues down and
// aggregates the statistics. Cancelling ctx acts like ForceExit.
//
// A Result is returned whenever workers ran, together with the first
// worker error if any.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, NewError("RUN", ErrCodeInvalidParameters, "engine already ran")
	}
	e.started = true
	e.mu.Unlock()

	stop := context.AfterFunc(ctx, e.coord.ForceExit)
	defer stop()

	sizes, err := e.ringSizes()
	if err != nil {
		return nil, err
	}

	for _, q := range e.params.Queues {
		if int(q.RingIndex) >= len(sizes) {
			return nil, NewQueueError("SETUP", q.Name, ErrCodeInvalidParameters,
				fmt.Errorf("ring index %d outside table of %d", q.RingIndex, len(sizes)))
		}
	}

	s := &setup{started: make(map[string]bool), handles: make(map[string]QueueHandle)}
	defer e.teardown(s)

	if err := e.bringUp(ctx, s); err != nil {
		return nil, WrapError("SETUP", err)
	}

	var workers []*queue.Worker
	for _, q := range e.params.Queues {
		for t := 0; t < e.params.ThreadsPerQueue; t++ {
			cfg := e.workerConfig(q, t, s.handles[q.Name], sizes[q.RingIndex])
			w, err := queue.NewWorker(cfg)
			if err != nil {
				for _, w := range workers {
					w.Abort()
				}
				return nil, NewQueueError("WORKER", q.Name, ErrCodeInvalidParameters, err)
			}
			workers = append(workers, w)
		}
	}
	e.mu.Lock()
	e.workers = workers
	e.mu.Unlock()

	e.debugf("starting %d workers on %d queues", len(workers), len(e.params.Queues))
	e.metrics.Reset()
	start := time.Now()

	// Workers drain even after ctx is cancelled; cancellation reaches
	// them through the coordinator.
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error { return w.Run(runCtx) })
	}
	runErr := g.Wait()
	elapsed := time.Since(start)
	e.metrics.Stop()

	reports := make([]WorkerReport, 0, len(workers))
	for _, w := range workers {
		reports = append(reports, w.Report())
	}
	slices.SortStableFunc(reports, func(a, b WorkerReport) int { return a.Worker - b.Worker })

	res := &Result{
		Summary: stats.Aggregate(reports, e.params.PacketSize, uint64(e.params.Runtime/time.Second)),
		Reports: reports,
		Metrics: e.metrics.Snapshot(),
		Elapsed: elapsed,
	}
	for _, d := range res.Summary.Discrepancies {
		e.logf("drain timed out: %s", d)
	}
	if runErr != nil {
		return res, WrapError("RUN", runErr)
	}
	return res, nil
}
