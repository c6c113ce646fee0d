package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName scopes every span the inner client emits.
const TracerName = "github.com/RecadoCampbell/fastotv/inner"

const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

var ErrUnknownTraceExporter = errors.New("observability: unknown trace exporter")

// TracingConfig selects where request spans go.
type TracingConfig struct {
	Exporter string
	// Out receives stdout exporter output; os.Stdout when nil.
	Out io.Writer
}

// InitTracing installs a global SDK tracer provider for app. The returned
// shutdown flushes pending spans. Exporter "none" leaves the no-op
// provider in place.
func InitTracing(app string, cfg TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", TraceExporterNone:
		return noop, nil
	case TraceExporterStdout:
	default:
		return noop, fmt.Errorf("%w: %q", ErrUnknownTraceExporter, cfg.Exporter)
	}

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return noop, fmt.Errorf("stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", app))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the inner tracer from tp, or from the global provider
// when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		return otel.Tracer(TracerName)
	}
	return tp.Tracer(TracerName)
}

// StartRequestSpan opens a client span for one outbound REQUEST. The span
// stays open until the matching RESPONSE or until the request is abandoned.
// A nil tracer resolves through the global provider at call time.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, command, id string) trace.Span {
	if tracer == nil {
		tracer = Tracer(nil)
	}
	_, span := tracer.Start(
		ctx,
		"inner."+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("inner.command", command),
			attribute.String("inner.request_id", id),
		),
	)
	return span
}

// EndRequestSpan records the outcome and closes span.
func EndRequestSpan(span trace.Span, status string, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("inner.status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
