package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartTaskSpan starts the span covering one task run.
func StartTaskSpan(ctx context.Context, key, source string) (context.Context, trace.Span) {
	return otel.Tracer(ScopeName).Start(ctx, "imageloader.task",
		trace.WithAttributes(
			attribute.String("imageloader.key", key),
			attribute.String("imageloader.source", source),
		),
	)
}

// EndSpan finishes span, marking it failed when err is non-nil.
func EndSpan(span trace.Span, outcome string, attempts int, err error) {
	span.SetAttributes(
		attribute.String("imageloader.outcome", outcome),
		attribute.Int("imageloader.attempts", attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
