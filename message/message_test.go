package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/measurementplane/types"
)

func regionTimeCapability() *Message {
	return &Message{
		Kind:           KindCapability,
		Role:           "measure",
		Label:          "region time Capability",
		Endpoint:       "/qnet",
		CapabilityName: "region_time",
		ParametersSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"region": map[string]any{"type": "string"}},
		},
		Nonce:     "12345",
		Timestamp: "2024-06-13 12:34:56.00",
	}
}

func TestAsSpecification_RenamesDiscriminator(t *testing.T) {
	capability := regionTimeCapability()
	spec := capability.AsSpecification()

	record := spec.ToMap()
	assert.Equal(t, "measure", record["specification"])
	assert.NotContains(t, record, "capability")
	assert.Equal(t, KindCapability, capability.Kind, "source descriptor must not be mutated")
}

func TestReceipt_EchoesInterrupt(t *testing.T) {
	spec := regionTimeCapability().AsSpecification()
	spec.Parameters = map[string]any{"region": "Europe/Paris"}
	spec.Schedule = "now||30s"

	now := time.Date(2026, 1, 2, 3, 4, 5, 670000000, time.Local)

	receipt := spec.Receipt(now)
	assert.Equal(t, KindReceipt, receipt.Kind)
	assert.False(t, receipt.Interrupted())
	assert.Equal(t, "2026-01-02 03:04:05.67", receipt.Timestamp)

	interruptReceipt := spec.AsInterrupt().Receipt(now)
	assert.True(t, interruptReceipt.Interrupted())
	record := interruptReceipt.ToMap()
	assert.Contains(t, record, "receipt")
	assert.Contains(t, record, "interrupt")

	parsed, err := FromMap(record)
	require.NoError(t, err)
	assert.Equal(t, KindReceipt, parsed.Kind)
	assert.True(t, parsed.Interrupted())
}

func TestAsInterrupt_KeepsOperationIdentity(t *testing.T) {
	spec := regionTimeCapability().AsSpecification()
	spec.Parameters = map[string]any{"region": "Europe/Paris"}
	spec.Schedule = "now||30s"

	interrupt := spec.AsInterrupt()
	specOp, err := OperationID(spec)
	require.NoError(t, err)
	interruptOp, err := OperationID(interrupt)
	require.NoError(t, err)
	assert.Equal(t, specOp, interruptOp)
}

func TestResult_EOF(t *testing.T) {
	spec := regionTimeCapability().AsSpecification()
	spec.Parameters = map[string]any{}
	spec.Schedule = "now"

	now := time.Now()
	assert.False(t, spec.Result(now, map[string]any{"a": 1}).IsEOF())
	eof := spec.EOF(now)
	assert.True(t, eof.IsEOF())
	assert.Equal(t, []any{EOFResults}, eof.ResultValues)
	assert.False(t, spec.IsEOF(), "only results can be EOF")

	// The measurement id survives the result rewrite so results land on the right topic.
	specID, err := MeasurementID(spec)
	require.NoError(t, err)
	resultID, err := MeasurementID(eof)
	require.NoError(t, err)
	assert.Equal(t, specID, resultID)
}

func TestFromMap_Discriminators(t *testing.T) {
	tests := []struct {
		name    string
		record  map[string]any
		kind    Kind
		wantErr types.ErrorCode
	}{
		{"capability", map[string]any{"capability": "measure"}, KindCapability, ""},
		{"specification", map[string]any{"specification": "measure"}, KindSpecification, ""},
		{"interrupt", map[string]any{"interrupt": nil}, KindInterrupt, ""},
		{"result", map[string]any{"result": "measure", "resultValues": []any{1.0}}, KindResult, ""},
		{"receipt of interrupt", map[string]any{"receipt": "measure", "interrupt": "measure"}, KindReceipt, ""},
		{"none", map[string]any{"label": "x"}, "", types.ErrAmbiguousKind},
		{"spec and interrupt", map[string]any{"specification": "m", "interrupt": "m"}, "", types.ErrAmbiguousKind},
		{"receipt and result", map[string]any{"receipt": "m", "result": "m"}, "", types.ErrAmbiguousKind},
		{"bad parameters", map[string]any{"specification": "m", "parameters": "oops"}, "", types.ErrDecode},
		{"bad result values", map[string]any{"result": "m", "resultValues": "oops"}, "", types.ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := FromMap(tt.record)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, types.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, m.Kind)
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	spec := regionTimeCapability().AsSpecification()
	spec.Parameters = map[string]any{"nested": map[string]any{"a": "b"}}

	clone := spec.Clone()
	clone.Parameters["nested"].(map[string]any)["a"] = "changed"
	assert.Equal(t, "b", spec.Parameters["nested"].(map[string]any)["a"])
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "topic:///capabilities", CapabilitiesTopic)
	assert.Equal(t, "topic:///qnet/specifications", SpecificationsTopic("/qnet"))
	assert.Equal(t, "topic://abc/results", ResultsTopic("abc"))

	rapid.Check(t, func(rt *rapid.T) {
		topic := ReplyTopic()
		assert.Regexp(rt, `^topic://[A-Za-z0-9]{10}$`, topic)
	})
	assert.NotEqual(t, ReplyTopic(), ReplyTopic())
}
