// Package capability defines what an agent can measure.
//
// A Capability describes itself with a Descriptor and runs with Execute.
// Capabilities that produce output continuously also implement Streamer.
package capability

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/transport"
)

// Well-known capability roles.
const (
	RoleMeasure = "measure"
	RoleStore   = "store"
)

// Descriptor is the static part of a capability advertisement.
type Descriptor struct {
	Role             string
	Label            string
	Name             string
	ParametersSchema map[string]any
	ResultSchema     map[string]any
	Metadata         map[string]any
}

// ErrDone ends a repeating measurement. Execute may return it together with
// a final value, which is still published; Stream may return it as well.
var ErrDone = errors.New("capability: measurement finished")

// Capability is a runnable measurement.
type Capability interface {
	Descriptor() Descriptor
	// Execute runs the measurement once. A nil or empty return publishes nothing.
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// EmitFunc publishes one result value.
type EmitFunc func(value any) error

// Streamer is implemented by capabilities that own their streaming loop. The
// supervisor calls Stream instead of repeating Execute for "stream" schedules;
// Stream must return when ctx is done.
type Streamer interface {
	Stream(ctx context.Context, params map[string]any, emit EmitFunc) error
}

// Env is what a factory may use to build its capability.
type Env struct {
	Endpoint  string
	Transport transport.Transport
	Logger    *zap.Logger
}

// Factory builds a capability for an agent.
type Factory func(env Env) (Capability, error)

// Static wraps an already-built capability as a Factory.
func Static(c Capability) Factory {
	return func(Env) (Capability, error) { return c, nil }
}

// Advertisement renders d as a capability message for endpoint. Each call
// gets a fresh nonce and timestamp; the capability id is unaffected.
func Advertisement(endpoint string, d Descriptor, now time.Time) *message.Message {
	return &message.Message{
		Kind:             message.KindCapability,
		Role:             d.Role,
		Label:            d.Label,
		Endpoint:         endpoint,
		CapabilityName:   d.Name,
		ParametersSchema: d.ParametersSchema,
		ResultSchema:     d.ResultSchema,
		Metadata:         d.Metadata,
		Nonce:            uuid.NewString(),
		Timestamp:        message.FormatTimestamp(now),
	}
}

// IDOf returns the capability id c has when served from endpoint.
func IDOf(endpoint string, c Capability) string {
	return message.CapabilityIDOf(endpoint, c.Descriptor().Name)
}

// IsEmpty reports whether v counts as "no result": nil, or an empty string,
// map, slice or array.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
