// Package telemetry holds the offloader's Prometheus metrics, the metrics
// HTTP server and OpenTelemetry tracer setup.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type tracerConfig struct {
	serviceVersion string
	sampleRatio    float64
}

// TracerOption customises InitTracer.
type TracerOption func(*tracerConfig)

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) TracerOption {
	return func(c *tracerConfig) { c.serviceVersion = v }
}

// WithSampleRatio samples root spans at ratio, clamped to [0, 1]. Child spans
// follow their parent's decision.
func WithSampleRatio(ratio float64) TracerOption {
	return func(c *tracerConfig) {
		switch {
		case ratio < 0:
			ratio = 0
		case ratio > 1:
			ratio = 1
		}
		c.sampleRatio = ratio
	}
}

// InitTracer installs the W3C trace-context propagator and, when endpoint is
// set, an OTLP HTTP exporter (e.g. "localhost:4318").
//
// The propagator is installed even without an exporter so trace context
// still flows through Kafka headers and provider requests. The returned
// shutdown flushes pending spans and must run on exit.
func InitTracer(ctx context.Context, serviceName, endpoint string, opts ...TracerOption) (shutdown func(), err error) {
	cfg := tracerConfig{sampleRatio: 1}
	for _, o := range opts {
		o(&cfg)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if endpoint == "" {
		return func() {}, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithProcess(),
		resource.WithHost(),
	}
	if cfg.serviceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.serviceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil || res == nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.sampleRatio))),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
