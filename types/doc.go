// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package types holds the error taxonomy shared by every measurement plane package.

# Overview

types is the lowest package in the module and imports nothing internal. All
packages report failures as *Error values carrying an ErrorCode so callers can
branch with Is or GetErrorCode without string matching.

# Error codes

  - MISSING_FIELD: a message lacks a field needed for id derivation
  - SCHEDULE_FORMAT: a schedule string cannot be parsed
  - VALIDATION: parameters violate the capability's parameter schema
  - DECODE: a payload fails both the JSON and CBOR decoders
  - TIMEOUT: no receipt arrived within the receipt timeout
  - UNKNOWN_CAPABILITY: inbound message names a capability the agent lacks
  - UNKNOWN_MEASUREMENT: interrupt names a measurement that is not running
*/
package types
