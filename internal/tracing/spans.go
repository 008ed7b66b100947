package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by every span this system emits.
const (
	AttrRepositoryID = "ralphd.repository_id"
	AttrSessionID    = "ralphd.session_id"
	AttrIssueNumber  = "ralphd.issue_number"
	AttrIteration    = "ralphd.iteration"
	AttrStatus       = "ralphd.status"
)

// StartSessionSpan opens a span for a session-scoped operation.
func StartSessionSpan(ctx context.Context, tracer trace.Tracer, operation, repositoryID, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String(AttrRepositoryID, repositoryID),
		attribute.String(AttrSessionID, sessionID),
	))
}

// StartIterationSpan opens a span for one loop iteration.
func StartIterationSpan(ctx context.Context, tracer trace.Tracer, repositoryID, sessionID string, iteration int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "loop.iteration", trace.WithAttributes(
		attribute.String(AttrRepositoryID, repositoryID),
		attribute.String(AttrSessionID, sessionID),
		attribute.Int(AttrIteration, iteration),
	))
}

// EndSpan records the error (if any) and closes the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
