package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/ehrlich-b/go-dmaperf/internal/arena"
	"github.com/ehrlich-b/go-dmaperf/internal/constants"
	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
	"github.com/ehrlich-b/go-dmaperf/internal/invariant"
	"github.com/ehrlich-b/go-dmaperf/internal/shutdown"
	"github.com/ehrlich-b/go-dmaperf/internal/stats"
)

// WorkerState is the submission loop state of a worker.
type WorkerState int32

const (
	StateIdle          WorkerState = iota // waiting for capacity
	StateBuildingBatch                    // allocating a batch
	StateSubmitted                        // last batch handed to the device
	StateDraining                         // submission over, waiting for completions
	StateStopped                          // all resources released
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuildingBatch:
		return "building"
	case StateSubmitted:
		return "submitted"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var errContextsExhausted = errors.New("no free submission context")

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

type Config struct {
	Spec        interfaces.QueueSpec
	Thread      int
	Handle      interfaces.QueueHandle
	Coordinator *shutdown.Coordinator
	// Release stops the queue once every worker of the run drained.
	// It runs at most once per queue.
	Release func() error

	PacketSize  uint32 // bytes per buffer
	Burst       uint32 // buffers per batch
	PacketBurst uint32 // packets per buffer, for streaming C2H reporting
	// MaxRequests caps outstanding descriptors, normally the ring size.
	MaxRequests        uint32
	RequestsPerContext uint32
	Offset             int64
	Runtime            time.Duration

	AllocRetryBudget int
	PollTimeout      time.Duration
	DrainRetries     int
	DrainInterval    time.Duration
	// HarvestTimeout bounds each poll of the final harvest.
	HarvestTimeout time.Duration

	Observer interfaces.Observer
	Logger   Logger
	// Limiter throttles repeated failure logs; one is created when nil.
	Limiter *catrate.Limiter
}

type request struct {
	data   []arena.Region
	bufs   [][]byte
	ctx    arena.Region
	issued time.Time
}

// Worker drives sustained asynchronous I/O against one queue. Each worker
// owns its arenas and context list and runs one completion monitor.
type Worker struct {
	id      int
	cfg     Config
	numDesc uint32
	dir     interfaces.Direction

	data *arena.Arena
	reqs *arena.Slab[request]
	list *contextList

	coord    *shutdown.Coordinator
	logger   Logger
	limiter  *catrate.Limiter
	observer interfaces.Observer

	state           atomic.Int32
	exiting         atomic.Bool
	submitted       atomic.Uint64
	completed       atomic.Uint64
	completedAtMark atomic.Uint64
	completionErrs  atomic.Uint64
	submitFailures  atomic.Uint64
	allocAbandoned  atomic.Uint64
	abandoned       atomic.Uint64
	exitAttempts    atomic.Int64
	drainTimedOut   atomic.Bool

	completions  chan struct{}
	deadline     time.Time
	waitTimer    *time.Timer
	monitorTimer *time.Timer

	// owned by the submission loop
	cur        arena.Region
	curToken   interfaces.AsyncContext
	curBatches uint32
}

// NewWorker validates cfg, sizes the arenas and registers the worker with
// the coordinator.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Handle == nil {
		return nil, fmt.Errorf("worker %s: nil queue handle", cfg.Spec.Name)
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("worker %s: nil coordinator", cfg.Spec.Name)
	}
	if cfg.PacketSize == 0 || cfg.Burst == 0 {
		return nil, fmt.Errorf("worker %s: packet size and burst must be positive", cfg.Spec.Name)
	}
	numDesc := (cfg.PacketSize + constants.DescriptorSize - 1) / constants.DescriptorSize
	if cfg.Burst*numDesc > cfg.MaxRequests {
		return nil, fmt.Errorf("worker %s: batch of %d descriptors exceeds request cap %d",
			cfg.Spec.Name, cfg.Burst*numDesc, cfg.MaxRequests)
	}
	if cfg.RequestsPerContext == 0 {
		cfg.RequestsPerContext = constants.DefaultRequestsPerContext
	}
	if cfg.AllocRetryBudget <= 0 {
		cfg.AllocRetryBudget = constants.DefaultAllocRetryBudget
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = constants.DefaultPollTimeout
	}
	if cfg.DrainRetries <= 0 {
		cfg.DrainRetries = constants.DefaultDrainRetries
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = constants.DefaultDrainInterval
	}
	if cfg.HarvestTimeout <= 0 {
		cfg.HarvestTimeout = constants.ClearEventsTimeout
	}
	if cfg.PacketBurst == 0 {
		cfg.PacketBurst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		})
	}

	data, err := arena.New(numDesc*constants.DescriptorSize, cfg.MaxRequests+cfg.Burst*numDesc)
	if err != nil {
		return nil, fmt.Errorf("worker %s: data arena: %w", cfg.Spec.Name, err)
	}
	inflight := cfg.MaxRequests/(cfg.Burst*numDesc) + 2
	reqs, err := arena.NewSlab[request](inflight)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("worker %s: request slab: %w", cfg.Spec.Name, err)
	}
	list, err := newContextList(inflight)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("worker %s: context slab: %w", cfg.Spec.Name, err)
	}

	w := &Worker{
		cfg:         cfg,
		numDesc:     numDesc,
		dir:         cfg.Spec.Direction,
		data:        data,
		reqs:        reqs,
		list:        list,
		coord:       cfg.Coordinator,
		logger:      cfg.Logger,
		limiter:     cfg.Limiter,
		observer:    cfg.Observer,
		completions: make(chan struct{}, 1),
	}
	w.waitTimer = time.NewTimer(time.Hour)
	w.waitTimer.Stop()
	w.monitorTimer = time.NewTimer(time.Hour)
	w.monitorTimer.Stop()
	w.id = cfg.Coordinator.Register(fmt.Sprintf("%s/%d", cfg.Spec.Key(), cfg.Thread))
	return w, nil
}

// ID returns the coordinator id of the worker.
func (w *Worker) ID() int { return w.id }

// State returns the current loop state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *Worker) setState(s WorkerState) { w.state.Store(int32(s)) }

// Outstanding returns the number of buffers submitted but not yet harvested.
func (w *Worker) Outstanding() uint64 {
	// completed first: it never passes submitted
	completed := w.completed.Load()
	submitted := w.submitted.Load()
	if completed > submitted {
		return 0
	}
	return submitted - completed
}

// Run submits batches until the runtime elapses or the coordinator stops
// the run, then drains. It returns once every resource of the worker is
// released. Errors are returned only when the worker could not take part.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.cfg.Runtime > 0 {
		w.deadline = time.Now().Add(w.cfg.Runtime)
	}
	w.logger.Debugf("worker %d: starting on %s (%s) thread %d", w.id, w.cfg.Spec.Name, w.dir, w.cfg.Thread)

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		w.monitor(ctx)
	}()

	loopErr := w.submitLoop(ctx)

	w.setState(StateDraining)
	w.sealCurrent()
	w.exiting.Store(true)
	w.list.wake()
	<-monitorDone

	if err := w.coord.Barrier(ctx, w.id); err != nil {
		w.logger.Printf("worker %d: drain barrier: %v (pending %v)", w.id, err, w.coord.PendingNames())
	}
	if w.cfg.Release != nil {
		if err := w.coord.ReleaseOnce(w.cfg.Spec.Key(), w.cfg.Release); err != nil {
			w.logger.Printf("worker %d: stop queue %s: %v", w.id, w.cfg.Spec.Name, err)
		}
	}
	w.clearEvents()
	w.close()
	w.setState(StateStopped)

	w.logger.Debugf("worker %d: stopped, submitted=%d completed=%d", w.id, w.submitted.Load(), w.completed.Load())
	return loopErr
}

func (w *Worker) submitting(ctx context.Context) bool {
	if ctx.Err() != nil || w.coord.Stopping() {
		return false
	}
	return w.deadline.IsZero() || time.Now().Before(w.deadline)
}

func (w *Worker) submitLoop(ctx context.Context) error {
	burstDesc := uint64(w.cfg.Burst) * uint64(w.numDesc)
	retries := 0
	for w.submitting(ctx) {
		if w.Outstanding()*uint64(w.numDesc)+burstDesc > uint64(w.cfg.MaxRequests) {
			w.setState(StateIdle)
			w.waitCompletion(ctx)
			continue
		}

		w.setState(StateBuildingBatch)
		if w.cur.IsZero() {
			if err := w.openContext(); err != nil {
				if !errors.Is(err, errContextsExhausted) {
					return err
				}
				w.resourceWait(ctx, &retries)
				continue
			}
		}

		rr, req, ok := w.buildBatch()
		if !ok {
			w.resourceWait(ctx, &retries)
			continue
		}
		retries = 0
		w.issue(rr, req)
	}
	return nil
}

// resourceWait handles an exhausted arena: count the attempt, give up on
// the batch once the retry budget is spent, and wait for completions.
func (w *Worker) resourceWait(ctx context.Context, retries *int) {
	*retries++
	if *retries >= w.cfg.AllocRetryBudget {
		w.allocAbandoned.Add(1)
		w.logLimited("alloc", "worker %d: batch abandoned after %d allocation attempts, outstanding=%d",
			w.id, *retries, w.Outstanding())
		*retries = 0
	}
	w.setState(StateIdle)
	w.waitCompletion(ctx)
}

func (w *Worker) openContext() error {
	maxEvents := w.cfg.RequestsPerContext
	if inflight := w.reqs.Cap(); inflight < maxEvents {
		maxEvents = inflight
	}
	token, err := w.cfg.Handle.NewContext(int(maxEvents))
	if err != nil {
		return fmt.Errorf("worker %d: create async context on %s: %w", w.id, w.cfg.Spec.Name, err)
	}
	r, ok := w.list.create(token)
	if !ok {
		token.Close()
		return errContextsExhausted
	}
	w.cur = r
	w.curToken = token
	w.curBatches = 0
	return nil
}

// buildBatch reserves a descriptor and Burst data buffers, or nothing.
func (w *Worker) buildBatch() (arena.Region, *request, bool) {
	rr, req, ok := w.reqs.Alloc()
	if !ok {
		return arena.Region{}, nil, false
	}
	if cap(req.data) < int(w.cfg.Burst) {
		req.data = make([]arena.Region, 0, w.cfg.Burst)
		req.bufs = make([][]byte, 0, w.cfg.Burst)
	}
	req.data = req.data[:0]
	req.bufs = req.bufs[:0]

	for i := uint32(0); i < w.cfg.Burst; i++ {
		d, ok := w.data.Alloc(w.numDesc)
		if !ok {
			w.releaseRequest(rr, req)
			return arena.Region{}, nil, false
		}
		req.data = append(req.data, d)
		req.bufs = append(req.bufs, w.data.Bytes(d)[:w.cfg.PacketSize])
	}
	return rr, req, true
}

func (w *Worker) releaseRequest(rr arena.Region, req *request) {
	for _, d := range req.data {
		if err := w.data.Free(d); err != nil {
			w.logger.Printf("worker %d: %v", w.id, err)
		}
	}
	req.data = req.data[:0]
	req.bufs = req.bufs[:0]
	req.ctx = arena.Region{}
	if err := w.reqs.Free(rr); err != nil {
		w.logger.Printf("worker %d: %v", w.id, err)
	}
}

func (w *Worker) issue(rr arena.Region, req *request) {
	n := uint64(len(req.data))
	req.ctx = w.cur
	if w.observer != nil {
		req.issued = time.Now()
	}

	// Counted before the device sees the batch so a fast completion can
	// never make completed exceed submitted.
	w.list.update(w.cur, func(c *SubmissionContext) {
		c.maxExpected++
		c.outstanding += n
	})
	w.submitted.Add(n)

	err := w.curToken.Submit(w.dir, req.bufs, w.cfg.Offset, rr.Handle())
	if err != nil {
		w.list.update(w.cur, func(c *SubmissionContext) {
			c.maxExpected--
			c.outstanding -= n
		})
		w.submitted.Add(^(n - 1))
		w.releaseRequest(rr, req)
		w.submitFailures.Add(1)
		w.logLimited("submit", "worker %d: submit on %s failed: %v", w.id, w.cfg.Spec.Name, err)
		w.sealCurrent()
		return
	}

	w.setState(StateSubmitted)
	if w.observer != nil {
		w.observer.ObserveOutstanding(uint32(w.Outstanding()))
	}
	w.curBatches++
	if w.curBatches >= w.cfg.RequestsPerContext {
		w.sealCurrent()
	} else {
		w.list.wake()
	}
}

func (w *Worker) sealCurrent() {
	if w.cur.IsZero() {
		return
	}
	w.list.seal(w.cur)
	w.cur = arena.Region{}
	w.curToken = nil
	w.curBatches = 0
}

// waitCompletion blocks until the monitor harvests something, the stop
// signal arrives, or a short timeout passes.
func (w *Worker) waitCompletion(ctx context.Context) {
	w.waitTimer.Reset(constants.BackpressureWait)
	defer w.waitTimer.Stop()
	select {
	case <-w.completions:
	case <-w.waitTimer.C:
	case <-w.coord.Done():
	case <-ctx.Done():
	}
}

func (w *Worker) notifyCompletion() {
	select {
	case w.completions <- struct{}{}:
	default:
	}
}

func (w *Worker) logLimited(category string, format string, args ...interface{}) {
	if _, ok := w.limiter.Allow(category); ok {
		w.logger.Printf(format, args...)
	}
}

func (w *Worker) violation(format string, args ...interface{}) {
	err := invariant.Violation(format, args...)
	w.logger.Printf("worker %d: %v", w.id, err)
}

// Abort releases a worker that will never run and lets the drain barrier
// proceed without it.
func (w *Worker) Abort() {
	w.coord.MarkDrained(w.id)
	w.close()
	w.setState(StateStopped)
}

func (w *Worker) close() {
	if err := w.data.Close(); err != nil {
		w.logger.Printf("worker %d: %v", w.id, err)
	}
}

// Report returns the final counters. Call it after Run returned.
func (w *Worker) Report() stats.WorkerReport {
	return stats.WorkerReport{
		Worker:           w.id,
		Queue:            w.cfg.Spec.Name,
		QueueID:          w.cfg.Spec.QueueID,
		Thread:           w.cfg.Thread,
		Mode:             w.cfg.Spec.Mode,
		Direction:        w.dir,
		PacketBurst:      w.cfg.PacketBurst,
		Submitted:        w.submitted.Load(),
		Completed:        w.completed.Load(),
		CompletedAtMark:  w.completedAtMark.Load(),
		CompletionErrors: w.completionErrs.Load(),
		SubmitFailures:   w.submitFailures.Load(),
		AllocAbandoned:   w.allocAbandoned.Load(),
		Abandoned:        w.abandoned.Load(),
		DrainTimedOut:    w.drainTimedOut.Load(),
	}
}

// ArenaStats returns usage of the data arena.
func (w *Worker) ArenaStats() arena.Stats { return w.data.Stats() }
