// Package tracing wraps OpenTelemetry for spans around upstream calls.
//
// The tracer provider is owned by the proxy and never installed globally, and
// trace context is not injected into forwarded requests: the proxy does not add
// headers to what it relays.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"croissant-proxy/internal/config"
)

const instrumentationName = "croissant-proxy"

// Tracer creates spans. It is a noop when tracing is disabled.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// New creates a Tracer from the tracing section of cfg. When tracing is
// enabled it exports over OTLP/gRPC; the connection is established lazily.
func New(cfg *config.Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	return NewWithProcessor(tc, sdktrace.WithBatcher(exporter))
}

// NewWithProcessor creates an enabled Tracer that hands finished spans to the
// given processor option (sdktrace.WithBatcher or sdktrace.WithSyncer).
func NewWithProcessor(tc config.TracingConfig, processor sdktrace.TracerProviderOption) (*Tracer, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", tc.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	ratio := tc.SampleRatio
	if ratio == 0 {
		ratio = 1
	}

	provider := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	return &Tracer{
		tracer:   provider.Tracer(instrumentationName),
		provider: provider,
	}, nil
}

// Start creates a span as a child of any span in ctx. The caller must End it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Enabled reports whether spans are exported.
func (t *Tracer) Enabled() bool {
	return t.provider != nil
}

// Shutdown flushes pending spans. It is a no-op for a disabled tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
