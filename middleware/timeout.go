package middleware

import (
	"context"

	"github.com/taskhub/dispatch/notify"
)

// Timeout returns middleware that bounds a delivery attempt by the
// notification's Timeout. A zero Timeout leaves the context untouched.
func Timeout() Middleware {
	return func(ctx context.Context, n *notify.Notification, next Handler) error {
		if n.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, n.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
