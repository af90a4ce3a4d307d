// Package telemetry sets up local OpenTelemetry tracing for the analysis
// pipeline. This is an offline CLI tool with no remote collector to talk to
// by default, so the provider runs without a batch exporter: spans still
// carry real parent/child relationships and attributes for any instrumented
// code, and a collector endpoint can be wired in later without touching
// call sites.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the process-wide tracer used by the orchestrator and its
// stage packages.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer

	shutdownOnce sync.Once
}

// NewProvider creates a tracer provider scoped to serviceName. Spans are
// retained in-process only unless an exporter is later attached via
// go.opentelemetry.io/otel/sdk/trace.WithBatcher.
func NewProvider(serviceName string) *Provider {
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
	)

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(serviceName),
	}
}

// StartSpan starts a span named name under ctx's current span, if any.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and releases the tracer provider. Safe to call more than
// once.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		err = p.tp.Shutdown(ctx)
	})
	return err
}
