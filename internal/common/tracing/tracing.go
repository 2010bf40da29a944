// Package tracing wires OpenTelemetry into the conductor daemon: a
// tracer provider exporting spans over OTLP/HTTP, shared by the ReACT
// loop, the scheduler's admission pipeline, and agent dispatch (spec
// §11, ambient even though external transport/metrics stay out of
// scope).
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the tracer provider.
type Config struct {
	Enabled     bool
	ServiceName string
	Endpoint    string // host:port the OTLP/HTTP exporter posts to
	Insecure    bool
}

// Shutdown flushes and stops the tracer provider. Safe to call even when
// tracing is disabled.
type Shutdown func(ctx context.Context) error

// Init builds and installs the global TracerProvider. When cfg.Enabled is
// false, it installs otel's no-op provider so every tracer.Start call in
// the codebase is a cheap no-op instead of requiring call sites to branch
// on whether tracing is configured.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build otlp trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		return tp.Shutdown(shutdownCtx)
	}, nil
}
