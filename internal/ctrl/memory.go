package ctrl

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-dmaperf/internal/interfaces"
)

// Memory is an in-process QueueManager. It enforces the add, start, stop,
// delete ordering and records every call.
type Memory struct {
	mu     sync.Mutex
	states map[string]QueueState
	fail   map[string]error
	calls  []string
	rings  []uint32
}

var (
	_ interfaces.QueueManager = (*Memory)(nil)
	_ interfaces.RingSizer    = (*Memory)(nil)
)

// NewMemory returns a manager reporting rings as the global ring table.
func NewMemory(rings []uint32) *Memory {
	return &Memory{
		states: make(map[string]QueueState),
		fail:   make(map[string]error),
		rings:  append([]uint32(nil), rings...),
	}
}

// FailOn makes op ("add", "start", "stop", "del", "dump") on queue fail
// with err.
// An empty queue name matches every queue.
func (m *Memory) FailOn(op, queue string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op+"/"+queue] = err
}

func (m *Memory) injected(op string, spec interfaces.QueueSpec) error {
	if err, ok := m.fail[op+"/"+spec.Key()]; ok {
		return err
	}
	if err, ok := m.fail[op+"/"]; ok {
		return err
	}
	return nil
}

func (m *Memory) transition(op string, spec interfaces.QueueSpec, from []QueueState, to QueueState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := spec.Key()
	m.calls = append(m.calls, op+" "+key)
	if err := m.injected(op, spec); err != nil {
		return fmt.Errorf("%s %s: %w", op, spec.Name, err)
	}
	cur := m.states[key]
	for _, s := range from {
		if cur == s {
			if to == QueueAbsent {
				delete(m.states, key)
			} else {
				m.states[key] = to
			}
			return nil
		}
	}
	return fmt.Errorf("%s %s: queue is %s", op, spec.Name, cur)
}

func (m *Memory) AddQueue(spec interfaces.QueueSpec) error {
	return m.transition("add", spec, []QueueState{QueueAbsent}, QueueAdded)
}

func (m *Memory) StartQueue(spec interfaces.QueueSpec) error {
	return m.transition("start", spec, []QueueState{QueueAdded, QueueStopped}, QueueStarted)
}

func (m *Memory) StopQueue(spec interfaces.QueueSpec) error {
	return m.transition("stop", spec, []QueueState{QueueStarted}, QueueStopped)
}

func (m *Memory) DeleteQueue(spec interfaces.QueueSpec) error {
	return m.transition("del", spec, []QueueState{QueueAdded, QueueStopped}, QueueAbsent)
}

func (m *Memory) RingSizes(device string) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rings) == 0 {
		return nil, fmt.Errorf("%s: no ring sizes configured", device)
	}
	return append([]uint32(nil), m.rings...), nil
}

// State returns the lifecycle state of the queue.
func (m *Memory) State(spec interfaces.QueueSpec) QueueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[spec.Key()]
}

// Calls returns the operations seen so far as "op key" strings.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Live returns the number of queues not yet deleted.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// DumpQueue records the call and returns the queue state.
func (m *Memory) DumpQueue(spec interfaces.QueueSpec) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := spec.Key()
	m.calls = append(m.calls, "dump "+key)
	if err := m.injected("dump", spec); err != nil {
		return nil, fmt.Errorf("dump %s: %w", spec.Name, err)
	}
	return []byte(fmt.Sprintf("%s %s\n", key, m.states[key])), nil
}
