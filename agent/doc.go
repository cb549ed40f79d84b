// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package agent serves measurement capabilities on a measurement plane
endpoint.

# Overview

An Agent advertises its capabilities on the capabilities topic, listens on
its specifications topic and hands every specification and interrupt to a
Supervisor after acknowledging it with a receipt on the message's reply-to.

# Supervisor

The Supervisor owns one goroutine per measurement id. Specifications that
derive the same measurement id share the execution and each adds an
operation id; interrupts remove operation ids, and the last removal cancels
the execution, joins it and publishes a single EOF result. A measurement
that ends on its own (one-shot, stop time reached, streamer returned or
agent shutdown) publishes its EOF as well.

# Advertiser

The Advertiser publishes every capability immediately and then on a fixed
interval, pacing publishes with a token bucket.
*/
package agent
