package otelcol_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"ontask/pkg/config"
	"ontask/pkg/otelcol"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestProvideTracerProvider_NoCollector(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	tp, err := otelcol.ProvideTracerProvider(lc, &config.Config{})
	require.NoError(t, err)
	require.Equal(t, otel.GetTracerProvider(), tp)
	require.NotNil(t, otelcol.ProvideTracer(tp))
}

func TestEnd(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

	ctx, span := tracer.Start(context.Background(), "ok")
	fields := otelcol.Fields(ctx)
	require.Len(t, fields, 2)
	require.Equal(t, "trace_id", fields[0].Key)
	require.Equal(t, span.SpanContext().TraceID().String(), fields[0].String)
	otelcol.End(span, nil)

	_, span = tracer.Start(context.Background(), "failed")
	otelcol.End(span, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, codes.Error, spans[1].Status().Code)
	require.Equal(t, "boom", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
}

func TestFields_NoSpan(t *testing.T) {
	require.Nil(t, otelcol.Fields(context.Background()))
	require.NotNil(t, otelcol.Tracer(nil))
}
