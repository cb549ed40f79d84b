package message

import (
	"encoding/json"
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/BaSui01/measurementplane/types"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// record always produces the same bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any, the shape FromMap expects.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes m. Records holding raw bytes anywhere are CBOR encoded,
// everything else is JSON.
func Encode(m *Message) ([]byte, error) {
	record := m.ToMap()
	if containsBytes(record) {
		return encMode.Marshal(record)
	}
	return json.Marshal(record)
}

// Decode parses a payload produced by Encode or by any other measurement
// plane peer. JSON is tried first and CBOR second; a payload neither decoder
// accepts yields a DECODE error.
func Decode(data []byte) (*Message, error) {
	record, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	return FromMap(record)
}

func decodeRecord(data []byte) (map[string]any, error) {
	var record map[string]any
	jsonErr := json.Unmarshal(data, &record)
	if jsonErr == nil && record != nil {
		return record, nil
	}

	record = nil
	cborErr := decMode.Unmarshal(data, &record)
	if cborErr == nil && record != nil {
		return record, nil
	}

	if jsonErr == nil {
		jsonErr = errors.New("json payload is not an object")
	}
	if cborErr == nil {
		cborErr = errors.New("cbor payload is not a map")
	}
	return nil, types.NewError(types.ErrDecode, "payload is neither JSON nor CBOR").
		WithCause(errors.Join(jsonErr, cborErr))
}

func containsBytes(v any) bool {
	switch x := v.(type) {
	case []byte:
		return true
	case map[string]any:
		for _, item := range x {
			if containsBytes(item) {
				return true
			}
		}
	case []any:
		for _, item := range x {
			if containsBytes(item) {
				return true
			}
		}
	}
	return false
}
