package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/taskhub/dispatch/notify"
)

// Recover returns middleware that recovers from panics in the sender.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, n *notify.Notification, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("notification sender panicked",
					slog.String("kind", string(n.Kind)),
					slog.String("notification_id", n.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic delivering %s: %v", n.Kind, r)
			}
		}()
		return next(ctx)
	}
}
