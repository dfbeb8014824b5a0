// Package tracing installs the OpenTelemetry tracer provider used by the
// engine and plugin manager spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options configures Setup.
type Options struct {
	Enabled bool
	// Exporter is "stdout" or "none".
	Exporter string
	// Writer receives stdout exports; defaults to os.Stdout.
	Writer      io.Writer
	ServiceName string
	Version     string
}

// Shutdown flushes pending spans and stops the provider.
type Shutdown func(context.Context) error

// Setup registers a global tracer provider. When tracing is disabled the
// global no-op provider stays in place and Shutdown does nothing.
func Setup(opts Options) (Shutdown, error) {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled || opts.Exporter == "none" {
		return noop, nil
	}
	if opts.Exporter != "" && opts.Exporter != "stdout" {
		return nil, fmt.Errorf("tracing: unknown exporter %q", opts.Exporter)
	}
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: create stdout exporter: %w", err)
	}
	tp := NewProvider(exporter, opts.ServiceName, opts.Version)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// NewProvider builds a batching tracer provider around exporter.
func NewProvider(exporter sdktrace.SpanExporter, service, version string) *sdktrace.TracerProvider {
	if service == "" {
		service = "lattice"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("service.version", version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
}
