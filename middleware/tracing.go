package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskhub/dispatch/notify"
)

// tracerName is the instrumentation scope name for dispatch tracing.
const tracerName = "github.com/taskhub/dispatch"

// Tracing returns middleware that wraps each delivery attempt in an
// OpenTelemetry span. Without a global TracerProvider the noop tracer is
// used and the middleware is a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, n *notify.Notification, next Handler) error {
		ctx, span := tracer.Start(ctx, "dispatch.notification.deliver",
			trace.WithAttributes(
				attribute.String("dispatch.notification.id", n.ID.String()),
				attribute.String("dispatch.notification.kind", string(n.Kind)),
				attribute.String("dispatch.recipient", n.Recipient),
				attribute.String("dispatch.request.id", n.RequestID.String()),
				attribute.Int("dispatch.attempt", n.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindProducer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
