package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskhub/dispatch/notify"
)

// Logging returns middleware that logs the outcome of each delivery
// attempt. Successes are logged at debug; failures at warn.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, n *notify.Notification, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("notification delivery failed",
				slog.String("kind", string(n.Kind)),
				slog.String("notification_id", n.ID.String()),
				slog.String("recipient", n.Recipient),
				slog.String("request_id", n.RequestID.String()),
				slog.Int("attempt", n.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("notification delivered",
				slog.String("kind", string(n.Kind)),
				slog.String("notification_id", n.ID.String()),
				slog.String("recipient", n.Recipient),
				slog.Int("attempt", n.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
