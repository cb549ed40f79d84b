package message

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/measurementplane/types"
)

var whitespace = strings.NewReplacer(" ", "", "\n", "")

// CapabilityIDOf hashes the two fields that identify a capability. Schema,
// nonce, timestamp and metadata churn never changes the id.
func CapabilityIDOf(endpoint, capabilityName string) string {
	return hash(endpoint, capabilityName)
}

// MeasurementIDOf hashes capability, parameters and schedule. Equal triples
// collapse onto one measurement no matter who requested it or when.
func MeasurementIDOf(capabilityID string, parameters map[string]any, schedule string) string {
	return hash(capabilityID, parameters, schedule)
}

// OperationIDOf distinguishes requesters sharing one measurement.
func OperationIDOf(measurementID, nonce, timestamp string) string {
	return hash(measurementID, nonce, timestamp)
}

// CapabilityID derives the capability id of m.
func CapabilityID(m *Message) (string, error) {
	if m.Endpoint == "" {
		return "", types.MissingField(FieldEndpoint)
	}
	if m.CapabilityName == "" {
		return "", types.MissingField(FieldCapabilityName)
	}
	return CapabilityIDOf(m.Endpoint, m.CapabilityName), nil
}

// MeasurementID derives the measurement id of a specification-shaped message.
func MeasurementID(m *Message) (string, error) {
	capabilityID, err := CapabilityID(m)
	if err != nil {
		return "", err
	}
	if m.Parameters == nil {
		return "", types.MissingField(FieldParameters)
	}
	if m.Schedule == "" {
		return "", types.MissingField(FieldSchedule)
	}
	return MeasurementIDOf(capabilityID, m.Parameters, m.Schedule), nil
}

// OperationID derives the operation id of a specification-shaped message.
func OperationID(m *Message) (string, error) {
	measurementID, err := MeasurementID(m)
	if err != nil {
		return "", err
	}
	if m.Nonce == "" {
		return "", types.MissingField(FieldNonce)
	}
	if m.Timestamp == "" {
		return "", types.MissingField(FieldTimestamp)
	}
	return OperationIDOf(measurementID, m.Nonce, m.Timestamp), nil
}

func hash(parts ...any) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(canonical(p))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonical renders v as compact JSON with sorted object keys, then strips
// spaces and newlines. Strings are taken verbatim before stripping.
func canonical(v any) string {
	if s, ok := v.(string); ok {
		return whitespace.Replace(s)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return whitespace.Replace(fmt.Sprint(v))
	}
	return whitespace.Replace(buf.String())
}
