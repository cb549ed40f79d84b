// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package server runs the operational HTTP endpoint of measurement plane
processes.

# Overview

Manager wraps net/http.Server with a non-blocking Start, a graceful Shutdown
bounded by ShutdownTimeout, and Run for use inside an errgroup. NewOpsHandler
serves /health (JSON, 503 when the health check fails) and /metrics from a
Prometheus gatherer.
*/
package server
