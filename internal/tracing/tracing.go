// Package tracing wires the process into OpenTelemetry: an OTLP/gRPC
// span exporter behind the global tracer provider, W3C context
// propagation, and middleware for the HTTP surface. When tracing is
// disabled everything here degrades to a passthrough.
package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const exportTimeout = 5 * time.Second

// Options configures span export.
type Options struct {
	Service    string
	Version    string
	Endpoint   string  // OTLP/gRPC collector address, host:port
	Enabled    bool
	SampleRate float64 // 0 drops everything, 1 keeps everything
}

// Tracer owns the provider lifecycle. A Tracer from a disabled setup
// (or a nil Tracer) is inert: middleware passes through and Shutdown
// is a no-op.
type Tracer struct {
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

// Setup builds the exporter and installs the global tracer provider
// and propagators. The returned Tracer must be shut down to flush
// buffered spans.
func Setup(ctx context.Context, opts Options, logger *slog.Logger) (*Tracer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracing")

	if !opts.Enabled {
		logger.Info("tracing disabled")
		return &Tracer{logger: logger}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(opts.Service),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(opts.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		"endpoint", opts.Endpoint,
		"sample_rate", opts.SampleRate)
	return &Tracer{tp: tp, logger: logger}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Active reports whether spans are actually being exported.
func (t *Tracer) Active() bool {
	return t != nil && t.tp != nil
}

// Middleware instruments an HTTP handler with a server span per
// request, named after operation. Inert when tracing is disabled.
func (t *Tracer) Middleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !t.Active() {
			return next
		}
		return otelhttp.NewHandler(next, operation,
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
	}
}

// Shutdown flushes buffered spans and releases the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if !t.Active() {
		return nil
	}
	t.logger.Info("flushing spans")
	return t.tp.Shutdown(ctx)
}
