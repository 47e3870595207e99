package telemetry

import (
	"context"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSlowQueryThreshold is used when a non positive threshold is given.
const DefaultSlowQueryThreshold = time.Second

type slowQuerySpanExporter struct {
	wrappedExporter sdktrace.SpanExporter

	threshold time.Duration
}

var _ sdktrace.SpanExporter = (*slowQuerySpanExporter)(nil)

// NewSlowQuerySpanExporter creates a SpanExporter that forwards to exporter
// only the traces whose root span in a batch lasted at least threshold.
// Long running SPARQL queries are then traced without exporting every
// short one.
//
// If the exporter is nil, the span exporter does nothing.
func NewSlowQuerySpanExporter(exporter sdktrace.SpanExporter, threshold time.Duration) sdktrace.SpanExporter {
	if threshold <= 0 {
		threshold = DefaultSlowQueryThreshold
	}
	return &slowQuerySpanExporter{
		wrappedExporter: exporter,
		threshold:       threshold,
	}
}

func (e *slowQuerySpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.wrappedExporter == nil {
		return nil
	}

	slow := make(map[trace.TraceID]struct{})
	for _, span := range spans {
		if span.Parent().IsValid() {
			continue
		}
		if span.EndTime().Sub(span.StartTime()) >= e.threshold {
			slow[span.SpanContext().TraceID()] = struct{}{}
		}
	}
	if len(slow) == 0 {
		return nil
	}

	selected := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		if _, ok := slow[span.SpanContext().TraceID()]; ok {
			selected = append(selected, span)
		}
	}

	return e.wrappedExporter.ExportSpans(ctx, selected)
}

func (e *slowQuerySpanExporter) Shutdown(ctx context.Context) error {
	if e.wrappedExporter == nil {
		return nil
	}
	return e.wrappedExporter.Shutdown(ctx)
}
