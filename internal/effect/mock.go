package effect

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/micro-nova/dspd/internal/codec"
)

// Write is one recorded SetParameter call.
type Write struct {
	Effect int32
	Param  int32
	Value  []byte
}

// MockEffect is the state the mock engine keeps per constructed effect.
type MockEffect struct {
	ID        int32
	SessionID int
	Enabled   bool
	Params    map[int32][]byte // last value written per parameter id
	Releases  int
}

// Mock is a thread-safe in-memory effect engine for tests and --mock runs.
type Mock struct {
	mu            sync.Mutex
	nextID        int32
	effects       map[int32]*MockEffect
	writes        []Write
	enables       []bool
	constructs    int
	failConstruct int  // fail this many upcoming Construct calls
	failPartial   bool // report those failures as partial
	failWrite     bool
	failRelease   bool
	failSessions  map[int]bool
}

// NewMock creates an empty mock engine.
func NewMock() *Mock {
	return &Mock{
		nextID:       1,
		effects:      make(map[int32]*MockEffect),
		failSessions: make(map[int]bool),
	}
}

// FailConstruct makes the next n Construct calls fail. With partial set the
// failures wrap ErrPartialConstruct.
func (m *Mock) FailConstruct(n int, partial bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConstruct = n
	m.failPartial = partial
}

// SetFailWrite configures the mock to fail all SetEnabled and SetParameter calls.
func (m *Mock) SetFailWrite(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = fail
}

// SetFailRelease configures the mock to fail Release calls.
func (m *Mock) SetFailRelease(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRelease = fail
}

// SetFailSession makes writes to effects bound to sessionID fail.
func (m *Mock) SetFailSession(sessionID int, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSessions[sessionID] = fail
}

func (m *Mock) Construct(ctx context.Context, typ, impl uuid.UUID, priority, sessionID int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constructs++
	if m.failConstruct > 0 {
		m.failConstruct--
		if m.failPartial {
			return 0, ErrPartialConstruct
		}
		return 0, NativeError("mock: construct failure configured")
	}
	id := m.nextID
	m.nextID++
	m.effects[id] = &MockEffect{ID: id, SessionID: sessionID, Params: make(map[int32][]byte)}
	return id, nil
}

func (m *Mock) Release(ctx context.Context, id int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.effects[id]
	if !ok {
		return NativeError("mock: unknown effect")
	}
	e.Releases++
	if m.failRelease {
		return NativeError("mock: release failure configured")
	}
	return nil
}

func (m *Mock) SetEnabled(ctx context.Context, id int32, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.writable(id)
	if err != nil {
		return err
	}
	e.Enabled = enabled
	m.enables = append(m.enables, enabled)
	return nil
}

func (m *Mock) SetParameter(ctx context.Context, id int32, param, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.writable(id)
	if err != nil {
		return err
	}
	p := codec.DecodeParameterID(param)
	v := append([]byte(nil), value...)
	e.Params[p] = v
	m.writes = append(m.writes, Write{Effect: id, Param: p, Value: v})
	return nil
}

func (m *Mock) writable(id int32) (*MockEffect, error) {
	e, ok := m.effects[id]
	if !ok {
		return nil, NativeError("mock: unknown effect")
	}
	if m.failWrite || m.failSessions[e.SessionID] {
		return nil, NativeError("mock: write failure configured")
	}
	if e.Releases > 0 {
		return nil, NativeError("mock: effect released")
	}
	return e, nil
}

// Constructs returns the number of Construct calls, failed ones included.
func (m *Mock) Constructs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.constructs
}

// Effect returns a copy of the state of effect id.
func (m *Mock) Effect(id int32) (MockEffect, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.effects[id]
	if !ok {
		return MockEffect{}, false
	}
	cp := *e
	cp.Params = make(map[int32][]byte, len(e.Params))
	for k, v := range e.Params {
		cp.Params[k] = v
	}
	return cp, true
}

// EffectsForSession returns copies of all effects ever built for sessionID.
func (m *Mock) EffectsForSession(sessionID int) []MockEffect {
	m.mu.Lock()
	ids := make([]int32, 0)
	for id, e := range m.effects {
		if e.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	out := make([]MockEffect, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.Effect(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Live returns the number of constructed effects not yet released.
func (m *Mock) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.effects {
		if e.Releases == 0 {
			n++
		}
	}
	return n
}

// Writes returns every recorded SetParameter call in order.
func (m *Mock) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

// Enables returns every recorded SetEnabled value in order.
func (m *Mock) Enables() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.enables))
	copy(out, m.enables)
	return out
}
