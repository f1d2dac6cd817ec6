// Package tracing builds the tracer provider handed to extensions. Spans are
// exported as debug log records; there is no collector.
package tracing

import (
	"context"
	"encoding/hex"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider is a trace.TracerProvider that must be shut down on exit.
type Provider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

type noopProvider struct{ noop.TracerProvider }

func (noopProvider) Shutdown(context.Context) error { return nil }

// New returns a span-logging provider when enabled, otherwise a no-op one.
func New(enabled bool, logger *slog.Logger) Provider {
	if !enabled {
		return noopProvider{noop.NewTracerProvider()}
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(NewLogExporter(logger))),
	)
}

// LogExporter writes finished spans to a logger.
type LogExporter struct {
	logger *slog.Logger
}

func NewLogExporter(logger *slog.Logger) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{logger: logger}
}

func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		sc := span.SpanContext()
		traceID := sc.TraceID()
		spanID := sc.SpanID()

		args := []any{
			"span", span.Name(),
			"trace_id", hex.EncodeToString(traceID[:]),
			"span_id", hex.EncodeToString(spanID[:]),
			"duration_ms", span.EndTime().Sub(span.StartTime()).Milliseconds(),
		}
		for _, kv := range span.Attributes() {
			args = append(args, string(kv.Key), attrValue(kv.Value))
		}

		status := span.Status()
		if status.Code == codes.Error {
			e.logger.WarnContext(ctx, "span failed", append(args, "error", status.Description)...)
			continue
		}
		e.logger.DebugContext(ctx, "span", args...)
	}
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error { return nil }

func attrValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	default:
		return v.Emit()
	}
}
