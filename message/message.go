package message

import (
	"fmt"
	"time"

	"github.com/BaSui01/measurementplane/types"
)

// Kind is the discriminating field of a measurement plane message.
type Kind string

const (
	// KindCapability is an agent's capability advertisement.
	KindCapability Kind = "capability"
	// KindSpecification asks an agent to run a capability.
	KindSpecification Kind = "specification"
	// KindInterrupt withdraws one operation from a running measurement.
	KindInterrupt Kind = "interrupt"
	// KindReceipt acknowledges a specification or interrupt.
	KindReceipt Kind = "receipt"
	// KindResult carries measurement output.
	KindResult Kind = "result"
)

// EOFResults is the result value that terminates a results stream.
const EOFResults = "EOF_results"

// Wire field names. They must not change: other implementations of the
// measurement plane read the same keys.
const (
	FieldLabel            = "label"
	FieldEndpoint         = "endpoint"
	FieldCapabilityName   = "capabilityName"
	FieldParametersSchema = "parameters_schema"
	FieldResultSchema     = "resultSchema"
	FieldTimestamp        = "timestamp"
	FieldNonce            = "nonce"
	FieldMetadata         = "metadata"
	FieldParameters       = "parameters"
	FieldSchedule         = "schedule"
	FieldResultValues     = "resultValues"
)

// TimestampLayout renders timestamps with centisecond precision, the format
// every message timestamp uses on the wire.
const TimestampLayout = "2006-01-02 15:04:05.00"

var discriminators = []Kind{KindCapability, KindSpecification, KindInterrupt, KindReceipt, KindResult}

// Message is the common envelope for all five message variants. Kind selects
// the variant; Role is the value carried under the discriminator key and names
// the functional role of the capability (for example "measure" or "store").
//
// String fields count as absent when empty and Parameters counts as absent
// when nil; identity derivation reports absent inputs as MISSING_FIELD.
type Message struct {
	Kind Kind
	Role string

	Label            string
	Endpoint         string
	CapabilityName   string
	ParametersSchema map[string]any
	ResultSchema     map[string]any
	Timestamp        string
	Nonce            string
	Metadata         map[string]any

	Parameters map[string]any
	Schedule   string

	ResultValues []any

	// interrupted is set on receipts that echo an interrupt.
	interrupted bool
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Interrupted reports whether a receipt acknowledges an interrupt.
func (m *Message) Interrupted() bool {
	return m.interrupted
}

// IsEOF reports whether m is the terminal result of a measurement.
func (m *Message) IsEOF() bool {
	if m.Kind != KindResult {
		return false
	}
	for _, v := range m.ResultValues {
		if s, ok := v.(string); ok && s == EOFResults {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.ParametersSchema = copyMap(m.ParametersSchema)
	c.ResultSchema = copyMap(m.ResultSchema)
	c.Metadata = copyMap(m.Metadata)
	c.Parameters = copyMap(m.Parameters)
	if m.ResultValues != nil {
		c.ResultValues = make([]any, len(m.ResultValues))
		for i, v := range m.ResultValues {
			c.ResultValues[i] = copyValue(v)
		}
	}
	return &c
}

// AsSpecification copies a capability descriptor into an unconfigured specification.
func (m *Message) AsSpecification() *Message {
	c := m.Clone()
	c.Kind = KindSpecification
	c.interrupted = false
	return c
}

// AsInterrupt turns a specification into the interrupt that withdraws it.
// Nonce and timestamp are kept so both derive the same operation id.
func (m *Message) AsInterrupt() *Message {
	c := m.Clone()
	c.Kind = KindInterrupt
	c.ResultValues = nil
	c.interrupted = false
	return c
}

// Receipt echoes a specification or interrupt with a refreshed timestamp.
func (m *Message) Receipt(now time.Time) *Message {
	c := m.Clone()
	c.interrupted = m.Kind == KindInterrupt
	c.Kind = KindReceipt
	c.Timestamp = FormatTimestamp(now)
	return c
}

// Result wraps values into a result for the specification m.
func (m *Message) Result(now time.Time, values ...any) *Message {
	c := m.Clone()
	c.Kind = KindResult
	c.interrupted = false
	c.Timestamp = FormatTimestamp(now)
	c.ResultValues = values
	return c
}

// EOF returns the terminal result for the specification m.
func (m *Message) EOF(now time.Time) *Message {
	return m.Result(now, EOFResults)
}

// ToMap renders m as its wire record.
func (m *Message) ToMap() map[string]any {
	out := map[string]any{
		FieldLabel:            m.Label,
		FieldEndpoint:         m.Endpoint,
		FieldCapabilityName:   m.CapabilityName,
		FieldParametersSchema: nilIfEmpty(m.ParametersSchema),
		FieldResultSchema:     nilIfEmpty(m.ResultSchema),
		FieldTimestamp:        m.Timestamp,
		FieldNonce:            m.Nonce,
		FieldMetadata:         nilIfEmpty(m.Metadata),
	}
	var role any
	if m.Role != "" {
		role = m.Role
	}
	if m.Kind != "" {
		out[string(m.Kind)] = role
	}
	if m.interrupted {
		out[string(KindInterrupt)] = role
	}
	if m.Parameters != nil {
		out[FieldParameters] = m.Parameters
	}
	if m.Schedule != "" {
		out[FieldSchedule] = m.Schedule
	}
	if m.Kind == KindResult {
		values := m.ResultValues
		if values == nil {
			values = []any{}
		}
		out[FieldResultValues] = values
	}
	return out
}

// FromMap parses a wire record into a Message. The variant is chosen by the
// discriminating keys; records with none, or with a combination other than
// receipt+interrupt, are rejected.
func FromMap(raw map[string]any) (*Message, error) {
	var found []Kind
	for _, k := range discriminators {
		if _, ok := raw[string(k)]; ok {
			found = append(found, k)
		}
	}

	m := &Message{}
	switch {
	case len(found) == 0:
		return nil, types.NewError(types.ErrAmbiguousKind, "message has no discriminating field")
	case len(found) == 1:
		m.Kind = found[0]
	case len(found) == 2 && found[0] == KindInterrupt && found[1] == KindReceipt:
		m.Kind = KindReceipt
		m.interrupted = true
	default:
		return nil, types.NewError(types.ErrAmbiguousKind, fmt.Sprintf("message has conflicting discriminators %v", found))
	}

	m.Role = asString(raw[string(m.Kind)])
	m.Label = asString(raw[FieldLabel])
	m.Endpoint = asString(raw[FieldEndpoint])
	m.CapabilityName = asString(raw[FieldCapabilityName])
	m.Timestamp = asString(raw[FieldTimestamp])
	m.Nonce = asString(raw[FieldNonce])
	m.Schedule = asString(raw[FieldSchedule])
	m.ParametersSchema = asMap(raw[FieldParametersSchema])
	m.ResultSchema = asMap(raw[FieldResultSchema])
	m.Metadata = asMap(raw[FieldMetadata])

	if p, ok := raw[FieldParameters]; ok && p != nil {
		params := asMap(p)
		if params == nil {
			return nil, types.NewError(types.ErrDecode, "parameters must be an object").WithField(FieldParameters)
		}
		m.Parameters = params
	}

	if v, ok := raw[FieldResultValues]; ok && v != nil {
		values, ok := v.([]any)
		if !ok {
			return nil, types.NewError(types.ErrDecode, "resultValues must be a list").WithField(FieldResultValues)
		}
		m.ResultValues = values
	}

	return m, nil
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return canonical(x)
	}
}

func asMap(v any) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = val
		}
		return out
	default:
		return nil
	}
}

func nilIfEmpty(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = copyValue(item)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	default:
		return x
	}
}
