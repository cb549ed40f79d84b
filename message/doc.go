// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

// Package message defines the measurement plane wire envelope, the identity
// derivation built on it, topic naming and the payload codec.
//
// # Variants
//
// Every message shares one envelope (label, endpoint, capabilityName,
// parameters_schema, resultSchema, timestamp, nonce, metadata). Exactly one
// discriminating key marks the variant:
//
//   - capability: an agent advertisement
//   - specification: a configured request to run a capability
//   - interrupt: withdrawal of one operation
//   - receipt: acknowledgement of a specification or interrupt
//   - result: measurement output in resultValues
//
// The value under the discriminating key is the capability role, for example
// "measure" or "store". A receipt that echoes an interrupt carries both the
// receipt and interrupt keys; every other combination is rejected by FromMap.
//
// # Identity
//
//	capability_id  = sha256(endpoint ∥ capabilityName)
//	measurement_id = sha256(capability_id ∥ parameters ∥ schedule)
//	operation_id   = sha256(measurement_id ∥ nonce ∥ timestamp)
//
// Inputs are canonicalized before hashing, so map key order and whitespace
// never change an id. Specifications that agree on capability, parameters and
// schedule share one measurement; each requester keeps its own operation.
//
// # Codec
//
//	data, err := message.Encode(spec)
//	...
//	m, err := message.Decode(data)
//
// Encode emits JSON unless a value holds raw bytes, in which case the record
// is CBOR encoded. Decode accepts both.
package message
