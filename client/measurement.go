package client

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/schedule"
	"github.com/BaSui01/measurementplane/transport"
	"github.com/BaSui01/measurementplane/types"
)

// MeasurementOptions control how results of a measurement are delivered.
type MeasurementOptions struct {
	// OnResult is called with the values of every result until EOF.
	OnResult func(values []any)
	// StreamResults hands values to OnResult only. When false they are
	// also retained for Results.
	StreamResults bool
	// RedirectToStorage additionally asks a store capability to persist
	// the results.
	RedirectToStorage bool
	// OnComplete is called once after the EOF result.
	OnComplete func()
}

// Measurement is a client-side specification of a capability. It is
// unusable until Configure succeeds.
type Measurement struct {
	mu sync.Mutex

	spec    *message.Message
	options MeasurementOptions
	valid   bool
	err     error
	now     func() time.Time

	subscription transport.Subscription
	subscribed   bool
	interrupted  bool
	results      []any
	storage      *Measurement
	// storageReleased is set once the store measurement was handed to the
	// follow-up that ends it.
	storageReleased bool

	done     chan struct{}
	doneOnce sync.Once
}

func newMeasurement(capability *message.Message, clock func() time.Time) *Measurement {
	return &Measurement{
		spec: capability.AsSpecification(),
		now:  clock,
		err:  types.NewError(types.ErrInvalidMeasurement, "measurement is not configured"),
		done: make(chan struct{}),
	}
}

// Configure validates parameters against the capability's parameters
// schema and parses rawSchedule. On success the measurement gets a fresh
// nonce and timestamp and becomes valid; on failure it stays invalid and
// Err reports why.
func (m *Measurement) Configure(rawSchedule string, parameters map[string]any, opts MeasurementOptions) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parameters == nil {
		parameters = map[string]any{}
	}

	m.valid = false
	if err := validateParameters(m.spec.ParametersSchema, parameters); err != nil {
		m.err = err
		return false
	}
	if _, err := schedule.Parse(rawSchedule); err != nil {
		m.err = err
		return false
	}

	m.spec.Parameters = copyMap(parameters)
	m.spec.Schedule = rawSchedule
	m.spec.Nonce = uuid.NewString()
	m.spec.Timestamp = message.FormatTimestamp(m.now())
	m.options = opts
	m.valid = true
	m.err = nil
	return true
}

func validateParameters(schema, parameters map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(parameters))
	if err != nil {
		return types.NewError(types.ErrValidation, "invalid parameters schema").WithCause(err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return types.NewError(types.ErrValidation, strings.Join(msgs, "; ")).WithField(message.FieldParameters)
	}
	return nil
}

// Valid reports whether the measurement can be sent.
func (m *Measurement) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// Err returns why the measurement is invalid, or nil.
func (m *Measurement) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Specification returns a copy of the specification message.
func (m *Measurement) Specification() *message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spec.Clone()
}

// MeasurementID returns the measurement id of the configured specification.
func (m *Measurement) MeasurementID() (string, error) {
	return message.MeasurementID(m.Specification())
}

// Done is closed once the results stream ended or was torn down.
func (m *Measurement) Done() <-chan struct{} {
	return m.done
}

// Results returns the values retained when StreamResults is false.
func (m *Measurement) Results() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.results...)
}

// Interrupted reports whether the agent acknowledged an interrupt.
func (m *Measurement) Interrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupted
}

// Storage returns the derived store measurement, if one was sent.
func (m *Measurement) Storage() *Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage
}

func (m *Measurement) opts() MeasurementOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options
}

// claim marks the results subscription as taken and reports whether the
// caller should create it.
func (m *Measurement) claim() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribed {
		return false
	}
	m.subscribed = true
	return true
}

func (m *Measurement) attach(sub transport.Subscription) {
	m.mu.Lock()
	m.subscription = sub
	m.mu.Unlock()
}

// release undoes a claim whose send failed.
func (m *Measurement) release() {
	m.mu.Lock()
	sub := m.subscription
	m.subscription = nil
	m.subscribed = false
	m.mu.Unlock()
	if sub != nil {
		_ = sub.Stop()
	}
}

// setStorage records the store measurement and reports whether m already
// finished, in which case the caller must release it.
func (m *Measurement) setStorage(s *Measurement) bool {
	m.mu.Lock()
	m.storage = s
	m.mu.Unlock()
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// releaseStorage returns the store measurement once, after m finished.
func (m *Measurement) releaseStorage() *Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage == nil || m.storageReleased {
		return nil
	}
	m.storageReleased = true
	return m.storage
}

func (m *Measurement) markInterrupted() {
	m.mu.Lock()
	m.interrupted = true
	m.mu.Unlock()
}

func (m *Measurement) deliver(values []any) {
	m.mu.Lock()
	if !m.options.StreamResults {
		m.results = append(m.results, values...)
	}
	onResult := m.options.OnResult
	m.mu.Unlock()

	if onResult != nil {
		onResult(values)
	}
}

// finish stops the results subscription and closes Done. complete selects
// whether OnComplete runs.
func (m *Measurement) finish(complete bool) {
	m.doneOnce.Do(func() {
		m.mu.Lock()
		sub := m.subscription
		m.subscription = nil
		onComplete := m.options.OnComplete
		m.mu.Unlock()

		if sub != nil {
			_ = sub.Stop()
		}
		if complete && onComplete != nil {
			onComplete()
		}
		close(m.done)
	})
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
