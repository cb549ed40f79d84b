// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package client discovers measurement capabilities and runs measurements
against them.

# Discovery

Client.Start subscribes to the capabilities topic and feeds every
advertisement into a Registry, a TTL cache keyed by capability id that
forgets capabilities not re-advertised within its timeout.

# Measurements

NewMeasurement turns a discovered capability into a specification that
Configure validates against the capability's parameters schema (JSON
Schema, via gojsonschema) and schedule grammar. Send publishes it to the
agent's endpoint, waits for the receipt on a one-off reply topic and
delivers results to MeasurementOptions.OnResult until the EOF result.
Interrupt withdraws the same operation.

With RedirectToStorage set, the client also asks a capability of role
"store" to persist the measurement's results topic.
*/
package client
