package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskhub/dispatch/notify"
)

// meterName is the instrumentation scope name for dispatch metrics.
const meterName = "github.com/taskhub/dispatch"

// Metrics returns middleware that records per-attempt delivery metrics
// using the global OTel MeterProvider.
//
// Instruments:
//   - dispatch.notification.duration (Float64Histogram): attempt time in
//     seconds, with attributes: kind, status ("ok" or "error")
//   - dispatch.notification.attempts (Int64Counter): total attempts, with
//     attributes: kind, status
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"dispatch.notification.duration",
		metric.WithDescription("Duration of notification delivery attempts in seconds"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter(
		"dispatch.notification.attempts",
		metric.WithDescription("Total number of notification delivery attempts"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, n *notify.Notification, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("kind", string(n.Kind)),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)

		return err
	}
}
