// ABOUTME: OpenTelemetry setup and span helpers for emailpilot.
// ABOUTME: Spans go to the stdout exporter, optionally redirected to a file.

package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by emailpilot packages.
const InstrumentationName = "github.com/winatecommerce96/emailpilot"

// Shutdown flushes and stops a tracer provider.
type Shutdown func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs a global tracer provider writing spans to output (a file path,
// empty for stdout). When enabled is false the global no-op provider is left in place.
func Setup(enabled bool, output, serviceVersion string) (Shutdown, error) {
	if !enabled {
		return noopShutdown, nil
	}

	var w io.Writer = os.Stdout
	var f *os.File
	if output != "" {
		var err error
		f, err = os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening trace output: %w", err)
		}
		w = f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if f != nil {
			f.Close()
		}
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp, err := NewProvider(exporter, serviceVersion)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if f != nil {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}

// NewProvider builds a tracer provider that exports synchronously to exporter.
func NewProvider(exporter sdktrace.SpanExporter, serviceVersion string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "emailpilot"),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	), nil
}

// Tracer returns the emailpilot tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// End records err (or OK) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetHTTPStatus maps an HTTP response code onto the span status.
func SetHTTPStatus(span trace.Span, code int) {
	span.SetAttributes(attribute.Int("http.status_code", code))
	switch {
	case code >= 500:
		span.SetStatus(codes.Error, "server error")
	case code >= 400:
		span.SetStatus(codes.Error, "client error")
	}
}
