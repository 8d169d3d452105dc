// Package observability provides OpenTelemetry-based lifecycle metrics for
// Dispatch. The MetricsExtension implements lifecycle hooks to record
// request volume, offer outcomes, match and no-match counts, and the
// latency from request creation to match.
//
// For per-delivery tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
