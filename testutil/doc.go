// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package testutil holds shared helpers for measurement plane tests.

# Overview

  - Context helpers: TestContext / TestContextWithTimeout / CancelledContext
  - Sink: subscribes to a topic and records decoded messages, with
    WaitEOF / WaitLen for asynchronous assertions
  - AssertJSONEqual and WaitForChannel

# Subpackages

  - testutil/mocks: MockCapability and MockStreamer with call recording and
    error or panic injection, and a testify MockTransport
  - testutil/fixtures: ready-made descriptors and specifications
*/
package testutil
