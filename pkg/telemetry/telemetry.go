// Package telemetry provides OpenTelemetry tracing for pairwise runs.
// It instruments the load, compute, reconcile and flush stages with spans,
// supports W3C Trace Context propagation, and exports to OTLP or stdout.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Version is reported as the service version.
var Version = "dev"

const tracerName = "github.com/Siddhant-K-code/pairwise"

// Config holds tracing configuration.
type Config struct {
	// Enabled turns tracing on/off.
	Enabled bool

	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	Exporter string

	// Endpoint is the OTLP collector address (e.g., "localhost:4317").
	Endpoint string

	// SampleRate controls the sampling ratio (0.0 to 1.0).
	// 1.0 = sample everything, 0.1 = sample 10%.
	SampleRate float64

	// ServiceName overrides the default service name.
	ServiceName string

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "otlp",
		Endpoint:    "localhost:4317",
		SampleRate:  1.0,
		ServiceName: "pairwise",
		Insecure:    true,
	}
}

// Provider wraps the OTEL TracerProvider and exposes stage span helpers.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init sets up the global TracerProvider based on the config.
// Returns a Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		// Return a no-op provider
		return &Provider{
			tracer: noop.NewTracerProvider().Tracer(tracerName),
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return &Provider{
			tracer: noop.NewTracerProvider().Tracer(tracerName),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global provider and propagator
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// --- Span helpers for run stages ---

// StartRun creates the root span of a run.
func (p *Provider) StartRun(ctx context.Context, mode, metric, sink string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pairwise.run",
		trace.WithAttributes(
			attribute.String("pairwise.mode", mode),
			attribute.String("pairwise.metric", metric),
			attribute.String("pairwise.sink", sink),
		),
	)
}

// StartLoad creates a span for loading one side's vectors.
func (p *Provider) StartLoad(ctx context.Context, side, backend string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pairwise.load",
		trace.WithAttributes(
			attribute.String("pairwise.load.side", side),
			attribute.String("pairwise.load.backend", backend),
		),
	)
}

// StartCompute creates a span for the kernel pass.
func (p *Provider) StartCompute(ctx context.Context, items int64, workers int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pairwise.compute",
		trace.WithAttributes(
			attribute.Int64("pairwise.compute.items", items),
			attribute.Int("pairwise.compute.workers", workers),
		),
	)
}

// StartReconcile creates a span for the null placeholder pass.
func (p *Provider) StartReconcile(ctx context.Context, nulls int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pairwise.reconcile",
		trace.WithAttributes(attribute.Int("pairwise.reconcile.nulls", nulls)),
	)
}

// StartFlush creates a span for a collective flush step of a rank.
func (p *Provider) StartFlush(ctx context.Context, rank, step int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pairwise.flush",
		trace.WithAttributes(
			attribute.Int("pairwise.flush.rank", rank),
			attribute.Int("pairwise.flush.step", step),
		),
	)
}

// StartFinalize creates a span for merging or syncing the output.
func (p *Provider) StartFinalize(ctx context.Context, sink string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pairwise.finalize",
		trace.WithAttributes(attribute.String("pairwise.finalize.sink", sink)),
	)
}

// RecordResult adds result attributes to a span.
func RecordResult(span trace.Span, items, pairs, placeholders int64, latency time.Duration) {
	span.SetAttributes(
		attribute.Int64("pairwise.result.items", items),
		attribute.Int64("pairwise.result.pairs", pairs),
		attribute.Int64("pairwise.result.placeholders", placeholders),
		attribute.Int64("pairwise.result.latency_ms", latency.Milliseconds()),
	)
	if secs := latency.Seconds(); secs > 0 {
		span.SetAttributes(attribute.Float64("pairwise.result.pairs_per_second", float64(pairs)/secs))
	}
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
