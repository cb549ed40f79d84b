// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package metrics provides Prometheus metrics for agents, clients and the
result store.

# Overview

Collector registers every metric once through promauto, under a namespace,
either on the default registry (NewCollector) or on a caller-supplied one
(NewCollectorWithRegistry). A nil *Collector is a valid no-op so components
accept it as an optional dependency.

# Metrics

  - Agent: specifications and interrupts by outcome, receipts sent, running
    measurements, results and EOFs published, task failures, advertisements.
  - Client: registry size and evictions, receipt latency, results received,
    decode failures.
  - Storage: results persisted per backend.
*/
package metrics
