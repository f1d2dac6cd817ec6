package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestNewDisabledIsNoop(t *testing.T) {
	p := New(false, nil)
	_, span := p.Tracer("test").Start(context.Background(), "op")
	span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestLogExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	p := New(true, logger)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, ok := p.Tracer("test").Start(context.Background(), "extension.send")
	ok.SetAttributes(attribute.String("plugin.id", "docker"), attribute.Int("status_code", 200))
	ok.End()

	_, failed := p.Tracer("test").Start(context.Background(), "extension.send")
	failed.RecordError(errors.New("boom"))
	failed.SetStatus(codes.Error, "boom")
	failed.End()

	out := buf.String()
	require.Contains(t, out, `msg=span`)
	assert.Contains(t, out, "plugin.id=docker")
	assert.Contains(t, out, "status_code=200")
	assert.Contains(t, out, `msg="span failed"`)
	assert.Contains(t, out, "error=boom")
}
