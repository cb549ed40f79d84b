// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector records measurement plane metrics. A nil *Collector is valid and
// records nothing, so components can take one optionally.
type Collector struct {
	// Agent
	specificationsTotal *prometheus.CounterVec
	interruptsTotal     *prometheus.CounterVec
	receiptsSent        prometheus.Counter
	runningMeasurements prometheus.Gauge
	resultsPublished    *prometheus.CounterVec
	eofPublished        prometheus.Counter
	taskFailures        *prometheus.CounterVec
	advertisements      *prometheus.CounterVec

	// Client
	registryCapabilities prometheus.Gauge
	registryEvictions    prometheus.Counter
	receiptLatency       *prometheus.HistogramVec
	resultsReceived      prometheus.Counter
	decodeFailures       *prometheus.CounterVec

	// Storage
	resultsStored *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the collector's metrics with the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry registers the collector's metrics with reg.
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Agent
	c.specificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "specifications_total",
			Help:      "Specifications handled by the agent",
		},
		[]string{"capability", "outcome"}, // outcome: started, joined, queued, dropped
	)

	c.interruptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Interrupts handled by the agent",
		},
		[]string{"capability", "outcome"}, // outcome: withdrawn, drained, unknown
	)

	c.receiptsSent = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_sent_total",
			Help:      "Receipts sent to requesters",
		},
	)

	c.runningMeasurements = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_measurements",
			Help:      "Measurements currently owned by the supervisor",
		},
	)

	c.resultsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_published_total",
			Help:      "Non-empty results published",
		},
		[]string{"capability"},
	)

	c.eofPublished = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eof_published_total",
			Help:      "End-of-stream results published",
		},
	)

	c.taskFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Capability executions that returned an error or panicked",
		},
		[]string{"capability", "reason"},
	)

	c.advertisements = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisements_total",
			Help:      "Capability advertisements published",
		},
		[]string{"status"},
	)

	// Client
	c.registryCapabilities = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_capabilities",
			Help:      "Capabilities currently known to the client registry",
		},
	)

	c.registryEvictions = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_evictions_total",
			Help:      "Stale capabilities evicted from the client registry",
		},
	)

	c.receiptLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receipt_latency_seconds",
			Help:      "Time from sending a specification or interrupt to its receipt",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"kind", "status"}, // status: ok, timeout
	)

	c.resultsReceived = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_received_total",
			Help:      "Results delivered to client callbacks",
		},
	)

	c.decodeFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Inbound payloads rejected by both decoders",
		},
		[]string{"source"},
	)

	// Storage
	c.resultsStored = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_stored_total",
			Help:      "Results persisted by the result store",
		},
		[]string{"backend"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// Agent
// =============================================================================

// RecordSpecification counts a specification by outcome.
func (c *Collector) RecordSpecification(capability, outcome string) {
	if c == nil {
		return
	}
	c.specificationsTotal.WithLabelValues(capability, outcome).Inc()
}

// RecordInterrupt counts an interrupt by outcome.
func (c *Collector) RecordInterrupt(capability, outcome string) {
	if c == nil {
		return
	}
	c.interruptsTotal.WithLabelValues(capability, outcome).Inc()
}

// RecordReceiptSent counts a receipt sent.
func (c *Collector) RecordReceiptSent() {
	if c == nil {
		return
	}
	c.receiptsSent.Inc()
}

// SetRunningMeasurements sets the running measurement gauge.
func (c *Collector) SetRunningMeasurements(n int) {
	if c == nil {
		return
	}
	c.runningMeasurements.Set(float64(n))
}

// RecordResultPublished counts a published result.
func (c *Collector) RecordResultPublished(capability string) {
	if c == nil {
		return
	}
	c.resultsPublished.WithLabelValues(capability).Inc()
}

// RecordEOFPublished counts a published EOF.
func (c *Collector) RecordEOFPublished() {
	if c == nil {
		return
	}
	c.eofPublished.Inc()
}

// RecordTaskFailure counts a failed execution. reason is "error" or "panic".
func (c *Collector) RecordTaskFailure(capability, reason string) {
	if c == nil {
		return
	}
	c.taskFailures.WithLabelValues(capability, reason).Inc()
}

// RecordAdvertisement counts an advertisement publish.
func (c *Collector) RecordAdvertisement(err error) {
	if c == nil {
		return
	}
	c.advertisements.WithLabelValues(status(err)).Inc()
}

// =============================================================================
// Client
// =============================================================================

// SetRegistrySize sets the registry size gauge.
func (c *Collector) SetRegistrySize(n int) {
	if c == nil {
		return
	}
	c.registryCapabilities.Set(float64(n))
}

// RecordEvictions counts evicted registry entries.
func (c *Collector) RecordEvictions(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.registryEvictions.Add(float64(n))
}

// RecordReceipt observes a receipt wait. A zero duration with timedOut set
// records the timeout only.
func (c *Collector) RecordReceipt(kind string, d time.Duration, timedOut bool) {
	if c == nil {
		return
	}
	s := "ok"
	if timedOut {
		s = "timeout"
	}
	c.receiptLatency.WithLabelValues(kind, s).Observe(d.Seconds())
}

// RecordResultReceived counts a result delivered to a callback.
func (c *Collector) RecordResultReceived() {
	if c == nil {
		return
	}
	c.resultsReceived.Inc()
}

// RecordDecodeFailure counts an undecodable payload.
func (c *Collector) RecordDecodeFailure(source string) {
	if c == nil {
		return
	}
	c.decodeFailures.WithLabelValues(source).Inc()
}

// =============================================================================
// Storage
// =============================================================================

// RecordResultStored counts a persisted result.
func (c *Collector) RecordResultStored(backend string) {
	if c == nil {
		return
	}
	c.resultsStored.WithLabelValues(backend).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
