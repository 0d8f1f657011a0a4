package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func newRecordingTracer(t *testing.T) (trace.Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider.Tracer(TracerName), recorder
}

// =============================================================================
// TracerConfig Tests
// =============================================================================

func TestDefaultTracerConfig(t *testing.T) {
	t.Run("returns expected defaults", func(t *testing.T) {
		cfg := DefaultTracerConfig()

		assert.False(t, cfg.Enabled)
		assert.Equal(t, "localhost:4317", cfg.Endpoint)
		assert.Equal(t, "realtime-client", cfg.ServiceName)
		assert.Equal(t, "development", cfg.Environment)
		assert.Equal(t, 1.0, cfg.SampleRate)
		assert.True(t, cfg.Insecure)
	})

	t.Run("returns new instance each time", func(t *testing.T) {
		cfg1 := DefaultTracerConfig()
		cfg2 := DefaultTracerConfig()

		cfg1.ServiceName = "modified"
		assert.Equal(t, "realtime-client", cfg2.ServiceName)
	})
}

// =============================================================================
// Tracer Tests
// =============================================================================

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tracer)

	assert.False(t, tracer.IsEnabled())
	assert.NotNil(t, tracer.Tracer())
	assert.NoError(t, tracer.Shutdown(context.Background()))

	ctx, span := tracer.StartSpan(context.Background(), "noop")
	defer span.End()
	assert.NotNil(t, ctx)
}

func TestTracer_StartSpan(t *testing.T) {
	otelTracer, recorder := newRecordingTracer(t)
	tracer := &Tracer{tracer: otelTracer, enabled: true}

	_, span := tracer.StartSpan(context.Background(), "realtime.connect")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "realtime.connect", ended[0].Name())
}

// =============================================================================
// Span helpers
// =============================================================================

func TestStartDispatchSpan(t *testing.T) {
	t.Run("records a consumer span with topic and event", func(t *testing.T) {
		tracer, recorder := newRecordingTracer(t)

		ctx, span := StartDispatchSpan(context.Background(), tracer, "room:1", "broadcast")
		assert.NotEmpty(t, ExtractTraceID(ctx))
		span.End()

		ended := recorder.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, "realtime.dispatch", ended[0].Name())
		assert.Equal(t, trace.SpanKindConsumer, ended[0].SpanKind())
		assert.Contains(t, ended[0].Attributes(), attribute.String("realtime.topic", "room:1"))
		assert.Contains(t, ended[0].Attributes(), attribute.String("realtime.event", "broadcast"))
	})

	t.Run("nil tracer falls back to the global provider", func(t *testing.T) {
		assert.NotPanics(t, func() {
			_, span := StartDispatchSpan(context.Background(), nil, "room:1", "broadcast")
			span.End()
		})
	})
}

func TestEndSpan(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, ok := tracer.Start(context.Background(), "ok")
	EndSpan(ok, nil)

	_, failed := tracer.Start(context.Background(), "failed")
	EndSpan(failed, errors.New("decode failed"))

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "decode failed", ended[1].Status().Description)
}

func TestRecordError(t *testing.T) {
	t.Run("does not panic with no span", func(t *testing.T) {
		assert.NotPanics(t, func() {
			RecordError(context.Background(), errors.New("test error"))
		})
	})

	t.Run("records error on recording span", func(t *testing.T) {
		tracer, recorder := newRecordingTracer(t)
		ctx, span := tracer.Start(context.Background(), "op")
		RecordError(ctx, errors.New("boom"))
		span.End()

		ended := recorder.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, codes.Error, ended[0].Status().Code)
		require.Len(t, ended[0].Events(), 1)
		assert.Equal(t, "exception", ended[0].Events()[0].Name)
	})
}

func TestSetSpanAttributes(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	ctx, span := tracer.Start(context.Background(), "op")
	SetSpanAttributes(ctx, attribute.String("realtime.channel_id", "abc"))
	span.End()

	assert.Contains(t, recorder.Ended()[0].Attributes(), attribute.String("realtime.channel_id", "abc"))

	assert.NotPanics(t, func() {
		SetSpanAttributes(context.Background(), attribute.String("k", "v"))
	})
}

func TestAddSpanEvent(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	ctx, span := tracer.Start(context.Background(), "op")
	AddSpanEvent(ctx, "callback.panic", attribute.String("callback", "broadcast"))
	span.End()

	events := recorder.Ended()[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "callback.panic", events[0].Name)
}

func TestExtractTraceID(t *testing.T) {
	t.Run("returns empty for context without span", func(t *testing.T) {
		assert.Empty(t, ExtractTraceID(context.Background()))
	})

	t.Run("returns empty for noop span", func(t *testing.T) {
		ctx, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "op")
		defer span.End()
		assert.Empty(t, ExtractTraceID(ctx))
	})

	t.Run("returns the id of a recording span", func(t *testing.T) {
		tracer, _ := newRecordingTracer(t)
		ctx, span := tracer.Start(context.Background(), "op")
		defer span.End()
		assert.Equal(t, span.SpanContext().TraceID().String(), ExtractTraceID(ctx))
	})
}
