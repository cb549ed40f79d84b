package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/config"
	"github.com/BaSui01/measurementplane/message"
)

const instrumentationPrefix = "github.com/BaSui01/measurementplane/"

// Span attribute keys shared by agents and clients.
const (
	AttrEndpoint      = attribute.Key("mplane.endpoint")
	AttrCapability    = attribute.Key("mplane.capability")
	AttrMeasurementID = attribute.Key("mplane.measurement_id")
	AttrOperationID   = attribute.Key("mplane.operation_id")
	AttrSchedule      = attribute.Key("mplane.schedule")
	AttrRole          = attribute.Key("mplane.role")
)

// Option adjusts Init.
type Option func(*options)

type options struct {
	attrs          []attribute.KeyValue
	version        string
	traceExporter  sdktrace.SpanExporter
	metricReader   sdkmetric.Reader
}

// WithAttributes adds resource attributes, e.g. the endpoint an agent serves.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// WithServiceVersion overrides the version read from build info.
func WithServiceVersion(v string) Option {
	return func(o *options) {
		if v != "" {
			o.version = v
		}
	}
}

// WithTraceExporter replaces the OTLP span exporter.
func WithTraceExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.traceExporter = exp }
}

// WithMetricReader replaces the periodic OTLP metric reader.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.metricReader = r }
}

// Providers owns the SDK providers installed by Init. Both are nil when
// telemetry is disabled.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init installs global trace and meter providers exporting over OTLP/gRPC.
// Disabled telemetry leaves the noop globals in place and dials nothing.
func Init(cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}

	o := options{version: Version()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()
	attrs := append([]attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(o.version),
	}, o.attrs...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	spanExp := o.traceExporter
	if spanExp == nil {
		if spanExp, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		); err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
	}
	reader := o.metricReader
	if reader == nil {
		metricExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(metricExp)
	}

	p := &Providers{
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spanExp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		),
	}

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("otlp_endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	return p, nil
}

// ForceFlush exports buffered spans.
func (p *Providers) ForceFlush(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes and closes the exporters. It is a no-op for disabled or
// nil Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the tracer for a measurement plane package. It resolves the
// global provider on each call, so Init may run after the caller is built.
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + pkg)
}

// SpecAttributes describes the measurement a specification belongs to.
// Fields the message lacks are left out.
func SpecAttributes(spec *message.Message, measurementID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 5)
	if spec.Endpoint != "" {
		attrs = append(attrs, AttrEndpoint.String(spec.Endpoint))
	}
	if spec.CapabilityName != "" {
		attrs = append(attrs, AttrCapability.String(spec.CapabilityName))
	}
	if measurementID != "" {
		attrs = append(attrs, AttrMeasurementID.String(measurementID))
	}
	if spec.Schedule != "" {
		attrs = append(attrs, AttrSchedule.String(spec.Schedule))
	}
	if spec.Role != "" {
		attrs = append(attrs, AttrRole.String(spec.Role))
	}
	return attrs
}

// Version is the main module version from build info, or "dev".
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
