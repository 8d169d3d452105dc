// Package middleware provides composable middleware for notification
// delivery. Middleware wraps each delivery attempt synchronously and can
// modify it (recover from panics, bound its time, log, trace, measure).
package middleware

import (
	"context"

	"github.com/taskhub/dispatch/notify"
)

// Handler is the terminal function that performs one delivery attempt.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the notification being delivered, and
// the next handler to call. Middleware MUST call next to continue the
// chain (unless short-circuiting on error).
type Middleware func(ctx context.Context, n *notify.Notification, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, n *notify.Notification, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, n, prev)
			}
		}
		return h(ctx)
	}
}
