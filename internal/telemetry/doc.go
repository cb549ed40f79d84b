// Package telemetry installs the OpenTelemetry SDK for measurement plane
// processes and hands out package tracers.
//
// With telemetry disabled the global noop providers stay in place and no
// collector is contacted. Agents tag their resource with the endpoint they
// serve; SpecAttributes gives supervisor and client spans a common shape.
package telemetry
