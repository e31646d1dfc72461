package queue

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-dmaperf/internal/arena"
	"github.com/ehrlich-b/go-dmaperf/internal/constants"
	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

const maxPollBatch = 256

// monitor harvests completions for the worker's contexts, oldest first,
// until keepHarvesting says the worker has drained or given up.
func (w *Worker) monitor(ctx context.Context) {
	events := make([]interfaces.CompletionEvent, w.pollBatch())
	marked := false
	for w.keepHarvesting(&marked) {
		if ctx.Err() != nil {
			return
		}
		r, ok := w.list.pop()
		if !ok {
			w.idle(ctx)
			continue
		}
		n, retired := w.harvest(ctx, r, events)
		if n == 0 && !retired && w.exiting.Load() {
			w.idle(ctx)
		}
	}
}

func (w *Worker) pollBatch() int {
	n := int(w.reqs.Cap())
	if n > maxPollBatch {
		n = maxPollBatch
	}
	return n
}

// keepHarvesting is the monitor exit check. While the worker submits it
// always continues. Once the worker exits it continues until completed
// catches up with submitted or the retry ceiling is reached; the first
// check after exit records the completions made in time.
func (w *Worker) keepHarvesting(marked *bool) bool {
	if !w.exiting.Load() {
		return true
	}
	submitted, completed := w.submitted.Load(), w.completed.Load()
	if !*marked {
		w.completedAtMark.Store(completed)
		*marked = true
	}
	if submitted == completed {
		return false
	}
	attempts := w.exitAttempts.Add(1)
	if attempts > int64(w.cfg.DrainRetries) {
		w.drainTimedOut.Store(true)
		w.logger.Printf("worker %d: drain timed out on %s: submitted=%d completed=%d completed_in_time=%d",
			w.id, w.cfg.Spec.Name, submitted, completed, w.completedAtMark.Load())
		return false
	}
	return true
}

// idle waits for the worker to add work, bounded by the poll timeout.
func (w *Worker) idle(ctx context.Context) {
	d := w.cfg.PollTimeout
	if w.exiting.Load() {
		d = w.cfg.DrainInterval
	}
	w.monitorTimer.Reset(d)
	defer w.monitorTimer.Stop()
	select {
	case <-w.list.notify:
	case <-w.monitorTimer.C:
	case <-ctx.Done():
	}
}

// harvest polls one context and either retires it or returns it to the
// head of the list. It returns the number of completions processed and
// whether the context was retired.
func (w *Worker) harvest(ctx context.Context, r arena.Region, events []interfaces.CompletionEvent) (int, bool) {
	var (
		token       interfaces.AsyncContext
		outstanding uint64
		retire      bool
	)
	if !w.list.update(r, func(c *SubmissionContext) {
		token = c.token
		outstanding = c.outstanding
		retire = c.retirable()
	}) {
		w.violation("context %+v popped but not live", r)
		return 0, false
	}
	if retire {
		w.retire(r)
		return 0, true
	}
	if outstanding == 0 {
		// open context with nothing in flight yet
		w.list.pushHead(r)
		if !w.exiting.Load() {
			w.idle(ctx)
		}
		return 0, false
	}

	timeout := w.cfg.PollTimeout
	if w.exiting.Load() {
		timeout = w.cfg.DrainInterval
	}
	n, err := token.Poll(ctx, events, timeout)
	if err != nil {
		w.logLimited("poll", "worker %d: poll on %s: %v", w.id, w.cfg.Spec.Name, err)
		w.list.pushHead(r)
		return 0, false
	}
	for i := 0; i < n; i++ {
		w.complete(events[i])
	}

	w.list.update(r, func(c *SubmissionContext) { retire = c.retirable() })
	if retire {
		w.retire(r)
	} else {
		w.list.pushHead(r)
	}
	return n, retire
}

// complete releases the resources of one finished batch and updates the
// counters.
func (w *Worker) complete(ev interfaces.CompletionEvent) {
	rr := arena.FromHandle(ev.UserData)
	req := w.reqs.Get(rr)
	if req == nil {
		w.violation("completion for unknown request %#x", ev.UserData)
		return
	}
	n := uint64(len(req.data))
	ctxRegion := req.ctx
	var latency time.Duration
	if w.observer != nil {
		latency = time.Since(req.issued)
	}
	w.releaseRequest(rr, req)

	w.list.update(ctxRegion, func(c *SubmissionContext) {
		c.completed++
		c.outstanding -= n
	})
	if ev.Err != nil {
		w.completionErrs.Add(n)
		w.logLimited("completion", "worker %d: request failed on %s: %v", w.id, w.cfg.Spec.Name, ev.Err)
	}
	completed := w.completed.Add(n)
	if submitted := w.submitted.Load(); completed > submitted {
		w.violation("completed %d exceeds submitted %d", completed, submitted)
	}
	w.coord.AddCompleted(n)
	w.notifyCompletion()

	if w.observer != nil {
		bytes := uint64(0)
		if ev.Bytes > 0 {
			bytes = uint64(ev.Bytes)
		}
		w.observer.ObserveCompletion(w.dir, bytes, uint64(latency.Nanoseconds()), ev.Err == nil)
	}
}

func (w *Worker) retire(r arena.Region) {
	if err := w.list.retire(r); err != nil {
		w.logger.Printf("worker %d: retire context: %v", w.id, err)
	}
}

// clearEvents harvests whatever is left after the monitor stopped, with
// a bounded wait per context, then retires every context. Buffers still in
// flight afterwards are counted as abandoned.
func (w *Worker) clearEvents() {
	ctx := context.Background()
	events := make([]interfaces.CompletionEvent, w.pollBatch())
	for {
		r, ok := w.list.pop()
		if !ok {
			return
		}
		var (
			token       interfaces.AsyncContext
			outstanding uint64
		)
		for attempt := 0; attempt < constants.ClearEventsAttempts; attempt++ {
			w.list.update(r, func(c *SubmissionContext) {
				token = c.token
				outstanding = c.outstanding
			})
			if outstanding == 0 || token == nil {
				break
			}
			n, err := token.Poll(ctx, events, w.cfg.HarvestTimeout)
			if err != nil {
				w.logger.Printf("worker %d: final harvest on %s: %v", w.id, w.cfg.Spec.Name, err)
				break
			}
			for i := 0; i < n; i++ {
				w.complete(events[i])
			}
		}
		w.list.update(r, func(c *SubmissionContext) { outstanding = c.outstanding })
		if outstanding > 0 {
			w.abandoned.Add(outstanding)
			w.logger.Printf("worker %d: %d buffers still in flight on %s after final harvest",
				w.id, outstanding, w.cfg.Spec.Name)
		}
		w.retire(r)
	}
}
