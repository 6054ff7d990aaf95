package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// DefaultServiceName is reported when [ProviderConfig.ServiceName] is empty.
const DefaultServiceName = "rijantuby"

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service.name resource attribute. Default: "rijantuby".
	ServiceName string

	// ServiceVersion is the service.version resource attribute.
	ServiceVersion string

	// TraceExporter receives finished spans through a batcher. When nil,
	// spans are recorded for log correlation but never exported.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of new traces sampled, in (0, 1]. Zero
	// samples everything. Spans with a sampled parent are always recorded.
	SampleRatio float64

	// Registry receives the Prometheus exporter's collectors and backs
	// [Telemetry.Handler]. Nil uses the process-wide default registry.
	Registry *prometheus.Registry
}

// Telemetry is the installed SDK state returned by [InitProvider].
type Telemetry struct {
	// MeterProvider feeds the Prometheus scrape endpoint. Pass it to
	// [NewMetrics].
	MeterProvider *sdkmetric.MeterProvider

	// TracerProvider backs [Tracer] and [StartSpan].
	TracerProvider *sdktrace.TracerProvider

	res     *resource.Resource
	handler http.Handler
}

// Resource returns the resource attached to every metric and span.
func (t *Telemetry) Resource() *resource.Resource { return t.res }

// Handler serves the Prometheus scrape endpoint for this telemetry's
// registry.
func (t *Telemetry) Handler() http.Handler { return t.handler }

// Shutdown flushes pending spans and stops both providers. Errors from the
// two providers are joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.TracerProvider.Shutdown(ctx),
		t.MeterProvider.Shutdown(ctx),
	)
}

// MetricsHandler serves the default Prometheus registry. It matches
// [Telemetry.Handler] when [ProviderConfig.Registry] is nil.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// InitProvider builds the service resource, a meter provider bridged to
// Prometheus and a tracer provider, and installs them as the global OTel
// providers together with the W3C trace-context propagator.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var (
		exporterOpts []promexporter.Option
		handler      = MetricsHandler()
	)
	if cfg.Registry != nil {
		exporterOpts = append(exporterOpts, promexporter.WithRegisterer(cfg.Registry))
		handler = promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})
	}
	reader, err := promexporter.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRatio)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Telemetry{
		MeterProvider:  mp,
		TracerProvider: tp,
		res:            res,
		handler:        handler,
	}, nil
}

// newResource describes this process. The schema URL must match the
// semantic-conventions version the SDK's own detectors use, otherwise
// the detected and explicit attributes cannot be combined.
func newResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	// OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES override the config.
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
	)
	if errors.Is(err, resource.ErrPartialResource) {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

func samplerFor(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
