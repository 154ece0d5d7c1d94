package obs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/shared"
)

// Standard attribute keys for notifier spans.
var (
	AttrTraceID     = attribute.Key("notifier.trace.id")
	AttrSessionID   = attribute.Key("notifier.session.id")
	AttrTaskID      = attribute.Key("notifier.task.id")
	AttrFingerprint = attribute.Key("notifier.fingerprint")
	AttrThreadRef   = attribute.Key("notifier.thread.ref")
	AttrEventKind   = attribute.Key("notifier.event.kind")
	AttrChannel     = attribute.Key("notifier.channel")
)

// StartSpan starts an internal span. Correlation identifiers riding on the
// context are attached automatically; attrs supplies span-specific ones.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(append(carrierAttrs(ctx), attrs...)...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (notification channel API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(append(carrierAttrs(ctx), attrs...)...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// carrierAttrs lifts the identifiers the context carries into attributes so
// callers never repeat them per span.
func carrierAttrs(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if id := shared.TraceID(ctx); id != "-" {
		attrs = append(attrs, AttrTraceID.String(id))
	}
	if id := shared.SessionID(ctx); id != "" {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	if id := shared.TaskID(ctx); id != "" {
		attrs = append(attrs, AttrTaskID.String(id))
	}
	return attrs
}
