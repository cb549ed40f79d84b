// MockCapability is a scriptable capability for supervisor and agent tests.
//
// It supports fixed results, error and panic injection and call recording.
package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/measurementplane/capability"
)

// --- MockCapability ---

// ExecuteFunc replaces the default Execute behaviour.
type ExecuteFunc func(ctx context.Context, params map[string]any) (any, error)

// MockCapability is a mock measurement capability.
type MockCapability struct {
	mu sync.RWMutex

	descriptor capability.Descriptor
	result     any
	err        error
	panicValue any
	fn         ExecuteFunc

	calls  []map[string]any
	active atomic.Int32
	peak   atomic.Int32
}

// NewMockCapability creates a measure capability named name that returns
// its parameters.
func NewMockCapability(name string) *MockCapability {
	return &MockCapability{
		descriptor: capability.Descriptor{
			Role:  capability.RoleMeasure,
			Label: name,
			Name:  name,
		},
	}
}

// WithRole sets the advertised role.
func (m *MockCapability) WithRole(role string) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptor.Role = role
	return m
}

// WithParametersSchema sets the advertised parameters schema.
func (m *MockCapability) WithParametersSchema(schema map[string]any) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptor.ParametersSchema = schema
	return m
}

// WithResult makes Execute return v.
func (m *MockCapability) WithResult(v any) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = v
	return m
}

// WithError makes Execute fail with err.
func (m *MockCapability) WithError(err error) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithPanic makes Execute panic with v.
func (m *MockCapability) WithPanic(v any) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicValue = v
	return m
}

// WithFunc replaces Execute entirely.
func (m *MockCapability) WithFunc(fn ExecuteFunc) *MockCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// --- capability.Capability ---

// Descriptor implements capability.Capability.
func (m *MockCapability) Descriptor() capability.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.descriptor
}

// Execute implements capability.Capability.
func (m *MockCapability) Execute(ctx context.Context, params map[string]any) (any, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, params)
	fn, result, err, panicValue := m.fn, m.result, m.err, m.panicValue
	m.mu.Unlock()

	if panicValue != nil {
		panic(panicValue)
	}
	if fn != nil {
		return fn(ctx, params)
	}
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return params, nil
}

// --- Inspection ---

// CallCount returns how many times Execute ran.
func (m *MockCapability) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Calls returns the parameters of every Execute call.
func (m *MockCapability) Calls() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]map[string]any(nil), m.calls...)
}

// PeakConcurrency returns the most concurrent Execute calls observed.
func (m *MockCapability) PeakConcurrency() int {
	return int(m.peak.Load())
}

// Factory returns m as a capability.Factory.
func (m *MockCapability) Factory() capability.Factory {
	return capability.Static(m)
}

// --- MockStreamer ---

// MockStreamer is a capability that streams values until cancelled.
type MockStreamer struct {
	*MockCapability

	values  []any
	started chan struct{}
	once    sync.Once
}

// NewMockStreamer creates a streamer that emits values and then blocks
// until its context ends.
func NewMockStreamer(name string, values ...any) *MockStreamer {
	return &MockStreamer{
		MockCapability: NewMockCapability(name),
		values:         values,
		started:        make(chan struct{}),
	}
}

// Started closes once Stream has been called.
func (s *MockStreamer) Started() <-chan struct{} {
	return s.started
}

// Stream implements capability.Streamer.
func (s *MockStreamer) Stream(ctx context.Context, _ map[string]any, emit capability.EmitFunc) error {
	s.once.Do(func() { close(s.started) })
	for _, v := range s.values {
		if err := emit(v); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

// Factory returns s as a capability.Factory.
func (s *MockStreamer) Factory() capability.Factory {
	return capability.Static(s)
}
