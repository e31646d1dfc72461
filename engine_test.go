package dmaperf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/ehrlich-b/go-dmaperf/internal/ctrl"
	"github.com/ehrlich-b/go-dmaperf/internal/queue"
)

func testQueues(mode Mode, n int, dirs ...Direction) []QueueSpec {
	var out []QueueSpec
	tag := "MM"
	if mode == ModeST {
		tag = "ST"
	}
	for i := 0; i < n; i++ {
		for _, d := range dirs {
			out = append(out, QueueSpec{
				Device:    "qdma01000",
				Name:      fmt.Sprintf("qdma01000-%s-%d", tag, i),
				QueueID:   uint32(i),
				Mode:      mode,
				Direction: d,
			})
		}
	}
	return out
}

func testParams(queues []QueueSpec) Params {
	p := DefaultParams(queues...)
	p.PacketSize = 4096
	p.Burst = 4
	p.Runtime = 30 * time.Millisecond
	return p
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestParamsValidate(t *testing.T) {
	q := testQueues(ModeMM, 1, H2C)
	tests := []struct {
		name   string
		modify func(*Params)
	}{
		{"no queues", func(p *Params) { p.Queues = nil }},
		{"zero threads", func(p *Params) { p.ThreadsPerQueue = 0 }},
		{"zero packet size", func(p *Params) { p.PacketSize = 0 }},
		{"zero burst", func(p *Params) { p.Burst = 0 }},
		{"negative runtime", func(p *Params) { p.Runtime = -time.Second }},
		{"negative offset", func(p *Params) { p.Offset = -1 }},
		{"unnamed queue", func(p *Params) { p.Queues = []QueueSpec{{Device: "qdma01000"}} }},
		{"duplicate queue", func(p *Params) { p.Queues = append(p.Queues, p.Queues[0]) }},
		{"zero ring size", func(p *Params) { p.RingSizes = []uint32{64, 0} }},
	}

	if err := DefaultParams(q...).Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams(q...)
			tt.modify(&p)
			err := p.Validate()
			if !IsCode(err, ErrCodeInvalidParameters) {
				t.Errorf("Validate() = %v, want invalid parameters", err)
			}
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	p := testParams(testQueues(ModeMM, 1, H2C))
	if _, err := New(p, Options{Manager: ctrl.NewMemory(nil)}); err == nil {
		t.Error("expected error without opener")
	}
	if _, err := New(p, Options{Opener: NewMockQueue()}); err == nil {
		t.Error("expected error without manager")
	}
}

func TestEngineRunMM(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{64})
	queues := testQueues(ModeMM, 2, H2C, C2H)

	e, err := New(testParams(queues), Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Reports) != len(queues) {
		t.Fatalf("got %d reports, want %d", len(res.Reports), len(queues))
	}
	completed := map[Direction]uint64{}
	for i, r := range res.Reports {
		if r.Worker != i {
			t.Errorf("report %d has worker id %d", i, r.Worker)
		}
		if r.Submitted != r.Completed {
			t.Errorf("worker %d: submitted %d, completed %d", r.Worker, r.Submitted, r.Completed)
		}
		if r.Abandoned != 0 || r.DrainTimedOut {
			t.Errorf("worker %d: abandoned %d, drain timed out %v", r.Worker, r.Abandoned, r.DrainTimedOut)
		}
		completed[r.Direction] += r.Completed
	}
	for _, d := range []Direction{H2C, C2H} {
		if completed[d] == 0 {
			t.Errorf("no %s completions", d)
		}
		if completed[d] != mq.Buffers(d) {
			t.Errorf("%s completed %d, device saw %d", d, completed[d], mq.Buffers(d))
		}
		tot, ok := res.Summary.Direction(d)
		if !ok || tot.Packets != completed[d] {
			t.Errorf("%s summary packets = %d, want %d", d, tot.Packets, completed[d])
		}
	}
	if got := res.Metrics.H2C.Ops * 4; got != completed[H2C] {
		t.Errorf("metrics saw %d h2c buffers, want %d", got, completed[H2C])
	}

	lines := strings.Join(res.Lines(), "\n")
	if !strings.Contains(lines, "WRITE: total pps = ") || !strings.Contains(lines, "READ: total pps = ") {
		t.Errorf("unexpected result lines:\n%s", lines)
	}

	// one handle per queue name, shared by both directions
	for name, n := range mq.Opened() {
		if n != 1 {
			t.Errorf("%s opened %d times", name, n)
		}
	}
	if !mq.AllClosed() {
		t.Error("handles or contexts left open")
	}
	if mgr.Live() != 0 {
		t.Errorf("%d queues left on the device", mgr.Live())
	}
	calls := mgr.Calls()
	if n := countCalls(calls, "stop "); n != len(queues) {
		t.Errorf("stop ran %d times, want %d: %v", n, len(queues), calls)
	}
	for _, s := range e.States() {
		if s != queue.StateStopped {
			t.Errorf("worker state %v after run", s)
		}
	}
}

func TestEngineThreadsShareQueueRelease(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{256})
	queues := testQueues(ModeMM, 1, H2C)
	p := testParams(queues)
	p.ThreadsPerQueue = 3

	e, err := New(p, Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(res.Reports))
	}
	if n := countCalls(mgr.Calls(), "stop "); n != 1 {
		t.Errorf("queue stopped %d times, want once", n)
	}
	if mq.CallCounts()["context"] < 3 {
		t.Errorf("expected a context per worker, got %d", mq.CallCounts()["context"])
	}
}

func TestEngineStreamingC2H(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{64})
	queues := testQueues(ModeST, 1, C2H)
	p := testParams(queues)
	p.Burst = 8

	var sizes []int
	mq.SetSubmitHook(func(dir Direction, bufs [][]byte) error {
		if len(sizes) == 0 {
			for _, b := range bufs {
				sizes = append(sizes, len(b))
			}
		}
		return nil
	})

	e, err := New(p, Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// one buffer of burst*packet bytes per read
	if len(sizes) != 1 || sizes[0] != 8*4096 {
		t.Errorf("first read carried buffers %v, want one of %d bytes", sizes, 8*4096)
	}
	r := res.Reports[0]
	if r.PacketBurst != 8 {
		t.Errorf("PacketBurst = %d, want 8", r.PacketBurst)
	}
	tot, _ := res.Summary.Direction(C2H)
	if tot.Packets != mq.Buffers(C2H)*8 {
		t.Errorf("packets = %d, want %d", tot.Packets, mq.Buffers(C2H)*8)
	}
	if tot.Bytes != tot.Packets*4096 {
		t.Errorf("bytes = %d, want packets*packet size", tot.Bytes)
	}
}

func TestEngineSubmitFailures(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{64})
	queues := testQueues(ModeMM, 1, H2C, C2H)

	failed := 0
	mq.SetSubmitHook(func(dir Direction, bufs [][]byte) error {
		if dir == H2C && failed < 3 {
			failed++
			return syscall.EAGAIN
		}
		return nil
	})

	e, err := New(testParams(queues), Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	h2c, _ := res.Summary.Direction(H2C)
	if h2c.SubmitFailures != 3 {
		t.Errorf("h2c submit failures = %d, want 3", h2c.SubmitFailures)
	}
	for _, r := range res.Reports {
		if r.Submitted != r.Completed {
			t.Errorf("worker %d: failed submissions leaked into submitted (%d vs %d)",
				r.Worker, r.Submitted, r.Completed)
		}
	}
}

func waitForBuffers(t *testing.T, mq *MockQueue, dir Direction) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for mq.Buffers(dir) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no I/O submitted")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngineForceExit(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{64})
	p := testParams(testQueues(ModeMM, 1, H2C))
	p.Runtime = 0

	e, err := New(p, Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Run(context.Background())
		done <- outcome{res, err}
	}()

	waitForBuffers(t, mq, H2C)
	e.ForceExit()

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("Run failed: %v", o.err)
		}
		r := o.res.Reports[0]
		if r.Completed == 0 || r.Submitted != r.Completed {
			t.Errorf("submitted %d, completed %d", r.Submitted, r.Completed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after ForceExit")
	}
	if mgr.Live() != 0 || !mq.AllClosed() {
		t.Error("teardown incomplete")
	}
}

func TestEngineStopsQueuesAfterEveryWorkerDrained(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{64})
	p := testParams(testQueues(ModeMM, 2, H2C, C2H))
	p.Runtime = 0
	p.DrainRetries = 100000
	p.BarrierRetries = 100000

	e, err := New(p, Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	mq.HoldDirection(C2H)
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Run(context.Background())
		done <- outcome{res, err}
	}()

	waitForBuffers(t, mq, H2C)
	waitForBuffers(t, mq, C2H)
	e.ForceExit()

	// H2C workers drain at once, C2H workers cannot until released
	time.Sleep(50 * time.Millisecond)
	if n := countCalls(mgr.Calls(), "stop"); n != 0 {
		t.Fatalf("%d queues stopped while C2H requests were in flight", n)
	}
	mq.Release()

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("Run failed: %v", o.err)
		}
		for _, r := range o.res.Reports {
			if r.DrainTimedOut || r.Submitted != r.Completed {
				t.Errorf("worker %d: submitted %d, completed %d, timed out %v",
					r.Worker, r.Submitted, r.Completed, r.DrainTimedOut)
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after release")
	}
	if n := countCalls(mgr.Calls(), "stop"); n != len(p.Queues) {
		t.Errorf("stops = %d, want %d", n, len(p.Queues))
	}
}

func TestEngineContextCancel(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{64})
	p := testParams(testQueues(ModeMM, 1, C2H))
	p.Runtime = 0

	e, err := New(p, Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx)
		done <- err
	}()
	waitForBuffers(t, mq, C2H)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if mgr.Live() != 0 {
		t.Errorf("%d queues left on the device", mgr.Live())
	}
}

func TestEngineSetupFailure(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{64})
	queues := testQueues(ModeMM, 2, H2C)
	mgr.FailOn("start", queues[1].Key(), syscall.EBUSY)

	e, err := New(testParams(queues), Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := e.Run(context.Background())
	if err == nil {
		t.Fatal("expected setup error")
	}
	if res != nil {
		t.Error("no result expected when setup fails")
	}
	if !IsCode(err, ErrCodeQueueSetup) {
		t.Errorf("error code = %v, want queue setup", err)
	}
	if !errors.Is(err, syscall.EBUSY) {
		t.Error("EBUSY not wrapped")
	}

	calls := mgr.Calls()
	if n := countCalls(calls, "stop "); n != 1 {
		t.Errorf("stop ran %d times, want only for the started queue: %v", n, calls)
	}
	if n := countCalls(calls, "del "); n != 2 {
		t.Errorf("del ran %d times, want 2: %v", n, calls)
	}
	if mgr.Live() != 0 {
		t.Errorf("%d queues left on the device", mgr.Live())
	}
	if !mq.AllClosed() {
		t.Error("handles left open")
	}
}

func TestEngineOpenFailure(t *testing.T) {
	mq := NewMockQueue()
	mq.SetOpenError(syscall.ENOENT)
	mgr := ctrl.NewMemory([]uint32{64})

	e, err := New(testParams(testQueues(ModeMM, 1, H2C)), Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = e.Run(context.Background())
	if !IsCode(err, ErrCodeDeviceNotFound) {
		t.Errorf("Run = %v, want device not found", err)
	}
	if mgr.Live() != 0 {
		t.Errorf("%d queues left on the device", mgr.Live())
	}
}

func TestEngineRingIndexOutOfRange(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{64})
	queues := testQueues(ModeMM, 1, H2C)
	queues[0].RingIndex = 3

	e, err := New(testParams(queues), Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = e.Run(context.Background())
	if !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Run = %v, want invalid parameters", err)
	}
	if len(mgr.Calls()) != 0 {
		t.Errorf("device touched: %v", mgr.Calls())
	}
}

func TestEngineBatchExceedsRing(t *testing.T) {
	mq := NewMockQueue()
	mgr := ctrl.NewMemory([]uint32{16, 32})
	queues := testQueues(ModeMM, 1, H2C)
	queues[0].RingIndex = 1
	p := testParams(queues)
	p.Burst = 40

	e, err := New(p, Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = e.Run(context.Background())
	if !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Run = %v, want invalid parameters", err)
	}
	if mgr.Live() != 0 || !mq.AllClosed() {
		t.Error("teardown incomplete")
	}
}

func TestEngineRunsOnce(t *testing.T) {
	e, err := New(testParams(testQueues(ModeMM, 1, H2C)), Options{
		Opener:  NewMockQueue(),
		Manager: ctrl.NewMemory([]uint32{64}),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if _, err := e.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestEngineDumpQueues(t *testing.T) {
	mgr := ctrl.NewMemory([]uint32{64})
	queues := testQueues(ModeMM, 1, H2C, C2H)
	p := testParams(queues)
	p.DumpQueues = true

	e, err := New(p, Options{Opener: NewMockQueue(), Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	calls := mgr.Calls()
	if n := countCalls(calls, "dump "); n != 2 {
		t.Errorf("dump ran %d times, want 2: %v", n, calls)
	}
	// each dump precedes the stop of its queue
	dumped := map[string]bool{}
	for _, c := range calls {
		key, isDump := strings.CutPrefix(c, "dump ")
		if isDump {
			dumped[key] = true
		}
		if key, ok := strings.CutPrefix(c, "stop "); ok && !dumped[key] {
			t.Errorf("stop of %s not preceded by its dump: %v", key, calls)
		}
	}
}

func TestEngineRingSizesFromParams(t *testing.T) {
	mq := NewMockQueue()
	// manager without a ring table
	mgr := ctrl.NewMemory(nil)
	p := testParams(testQueues(ModeMM, 1, H2C))
	p.RingSizes = []uint32{128}

	e, err := New(p, Options{Opener: mq, Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	e2, err := New(testParams(testQueues(ModeMM, 1, H2C)), Options{Opener: NewMockQueue(), Manager: ctrl.NewMemory(nil)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := e2.Run(context.Background()); !IsCode(err, ErrCodeQueueSetup) {
		t.Errorf("Run without ring table = %v, want queue setup error", err)
	}
}

func TestMockQueue(t *testing.T) {
	mq := NewMockQueue()
	h, err := mq.Open("qdma01000-MM-0")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	c, err := h.NewContext(1)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}

	buf := [][]byte{make([]byte, 512), make([]byte, 512)}
	if err := c.Submit(H2C, buf, 0, 7); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := c.Submit(H2C, buf, 0, 8); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("Submit over capacity = %v, want resource exhausted", err)
	}

	mq.Hold()
	events := make([]CompletionEvent, 4)
	n, err := c.Poll(context.Background(), events, 5*time.Millisecond)
	if err != nil || n != 0 {
		t.Errorf("held Poll = %d, %v; want 0, nil", n, err)
	}
	mq.Release()
	n, err = c.Poll(context.Background(), events, time.Second)
	if err != nil || n != 1 {
		t.Fatalf("Poll = %d, %v; want 1, nil", n, err)
	}
	if events[0].UserData != 7 || events[0].Bytes != 1024 {
		t.Errorf("event = %+v", events[0])
	}

	c.Close()
	h.Close()
	h.Close()
	if !mq.AllClosed() {
		t.Error("AllClosed = false after closing everything")
	}
	counts := mq.CallCounts()
	if counts["submit"] != 2 || counts["submit_failed"] != 1 {
		t.Errorf("call counts = %v", counts)
	}
	if mq.Buffers(H2C) != 2 {
		t.Errorf("Buffers = %d, want 2", mq.Buffers(H2C))
	}
}
