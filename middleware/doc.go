// Package middleware provides composable middleware for notification
// delivery.
//
// A [Middleware] wraps one delivery attempt. Middleware are composed with
// [Chain] and applied right-to-left: the first middleware in the slice is
// the outermost wrapper.
//
//	// logging → recover → sender
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs kind, recipient, attempt and outcome
//   - [Recover] turns sender panics into errors
//   - [Timeout] bounds an attempt by the notification's Timeout
//   - [Tracing] wraps the attempt in an OpenTelemetry span
//   - [Metrics] records attempt duration and outcome counters
package middleware
