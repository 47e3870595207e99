package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/smartrics/iotics-sparql-http/internal/mocks"
	"github.com/smartrics/iotics-sparql-http/pkg/telemetry"
)

func TestTracing(t *testing.T) {
	tp := telemetry.MustNewTracerProvider(
		telemetry.WithServiceName("servicename"),
		telemetry.WithAttributes(semconv.DeploymentEnvironmentKey.String("test")),
		telemetry.WithSamplingRatio(1),
	)
	t.Cleanup(func() { _ = tp.Close(context.Background()) })

	spanRecorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(spanRecorder)

	_, span := tp.Tracer("").Start(context.Background(), "test")
	telemetry.TraceError(span, errors.New("boom"))
	span.End()

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "test", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "boom", spans[0].Status().Description)
	require.Contains(t, spans[0].Resource().Attributes(), semconv.ServiceNameKey.String("servicename"))
	require.Contains(t, spans[0].Resource().Attributes(), attribute.String("deployment.environment", "test"))
}

func TestTracingExportsToCollector(t *testing.T) {
	collector := mocks.NewTracingCollector(t)

	tp := telemetry.MustNewTracerProvider(
		telemetry.WithOTLPEndpoint(collector.Addr),
		telemetry.WithSamplingRatio(1),
	)

	_, span := tp.Tracer("").Start(context.Background(), "SparqlQuery")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tp.Close(ctx))
	require.Equal(t, 1, collector.SpanCount())

	// closing twice is a no-op
	require.NoError(t, tp.Close(ctx))
}

func TestNoopTracerProvider(t *testing.T) {
	tp := telemetry.Noop()

	_, span := tp.Tracer("").Start(context.Background(), "test")
	require.False(t, span.SpanContext().IsValid())
	span.End()

	tp.RegisterSpanProcessor(tracetest.NewSpanRecorder())
	require.NoError(t, tp.Close(context.Background()))
}

func stubSpan(traceID byte, parent bool, d time.Duration) tracetest.SpanStub {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stub := tracetest.SpanStub{
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{traceID},
			SpanID:  trace.SpanID{traceID, 1},
		}),
		StartTime: start,
		EndTime:   start.Add(d),
	}
	if parent {
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{traceID},
			SpanID:  trace.SpanID{traceID, 2},
		})
	}
	return stub
}

func TestSlowQuerySpanExporter(t *testing.T) {
	tests := map[string]struct {
		spans     tracetest.SpanStubs
		threshold time.Duration
		want      int
	}{
		`fast_trace_dropped`: {
			spans:     tracetest.SpanStubs{stubSpan(1, false, 10*time.Millisecond), stubSpan(1, true, 5*time.Millisecond)},
			threshold: 100 * time.Millisecond,
			want:      0,
		},
		`slow_trace_kept_with_children`: {
			spans:     tracetest.SpanStubs{stubSpan(1, false, time.Second), stubSpan(1, true, time.Millisecond)},
			threshold: 100 * time.Millisecond,
			want:      2,
		},
		`only_slow_trace_of_batch`: {
			spans: tracetest.SpanStubs{
				stubSpan(1, false, time.Second),
				stubSpan(2, false, time.Millisecond),
				stubSpan(2, true, time.Millisecond),
			},
			threshold: 100 * time.Millisecond,
			want:      1,
		},
		`default_threshold`: {
			spans: tracetest.SpanStubs{
				stubSpan(1, false, time.Second),
				stubSpan(2, false, 999*time.Millisecond),
			},
			want: 1,
		},
		`orphan_children_dropped`: {
			spans:     tracetest.SpanStubs{stubSpan(1, true, time.Minute)},
			threshold: time.Millisecond,
			want:      0,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			inner := tracetest.NewInMemoryExporter()
			exporter := telemetry.NewSlowQuerySpanExporter(inner, test.threshold)

			require.NoError(t, exporter.ExportSpans(context.Background(), test.spans.Snapshots()))
			require.Len(t, inner.GetSpans(), test.want)
		})
	}
}

func TestSlowQuerySpanExporterWithoutExporter(t *testing.T) {
	exporter := telemetry.NewSlowQuerySpanExporter(nil, 0)
	require.NoError(t, exporter.ExportSpans(context.Background(), tracetest.SpanStubs{stubSpan(1, false, time.Hour)}.Snapshots()))
	require.NoError(t, exporter.Shutdown(context.Background()))
}
