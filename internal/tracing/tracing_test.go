package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	apperrors "github.com/kimhsiao/fieldops/internal/errors"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := tracer
	SetTracer(tp.Tracer(ServiceName))
	t.Cleanup(func() { SetTracer(prev) })
	return rec
}

func TestStartSpan(t *testing.T) {
	rec := recordSpans(t)

	ctx, parent := StartSpan(context.Background(), "sync.pass", attribute.Int("queued", 3))
	assert.NotEmpty(t, TraceID(ctx))
	_, child := StartSpan(ctx, "sync.replay")
	child.End()
	parent.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "sync.replay", spans[0].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Contains(t, spans[1].Attributes(), attribute.Int("queued", 3))
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_BadProtocol(t *testing.T) {
	_, err := Init(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "udp"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
