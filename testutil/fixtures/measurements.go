// Package fixtures provides ready-made measurement plane messages for tests.
package fixtures

import (
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/message"
)

// Endpoint is the endpoint used throughout the tests.
const Endpoint = "/qnet"

// RegionTimeSchema is the parameters schema of the region time capability.
func RegionTimeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"region": map[string]any{"type": "string"},
		},
		"required": []any{"region"},
	}
}

// RegionTimeCapability returns the advertisement of a region_time
// capability served from Endpoint.
func RegionTimeCapability() *message.Message {
	return capability.Advertisement(Endpoint, capability.Descriptor{
		Role:             capability.RoleMeasure,
		Label:            "region time",
		Name:             "region_time",
		ParametersSchema: RegionTimeSchema(),
		ResultSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"region":     map[string]any{"type": "string"},
				"local time": map[string]any{"type": "string"},
			},
		},
	}, time.Now())
}

// Specification builds a configured specification for capabilityName on
// Endpoint with a fresh nonce and timestamp.
func Specification(capabilityName string, params map[string]any, schedule string) *message.Message {
	return SpecificationAt(capabilityName, params, schedule, time.Now())
}

// SpecificationAt is Specification with an explicit timestamp.
func SpecificationAt(capabilityName string, params map[string]any, schedule string, at time.Time) *message.Message {
	return &message.Message{
		Kind:           message.KindSpecification,
		Role:           capability.RoleMeasure,
		Label:          capabilityName,
		Endpoint:       Endpoint,
		CapabilityName: capabilityName,
		Parameters:     params,
		Schedule:       schedule,
		Nonce:          uuid.NewString(),
		Timestamp:      message.FormatTimestamp(at),
	}
}

// MeasurementID returns the measurement id of m or panics.
func MeasurementID(m *message.Message) string {
	id, err := message.MeasurementID(m)
	if err != nil {
		panic(err)
	}
	return id
}

// OperationID returns the operation id of m or panics.
func OperationID(m *message.Message) string {
	id, err := message.OperationID(m)
	if err != nil {
		panic(err)
	}
	return id
}
