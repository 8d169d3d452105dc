package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskhub/dispatch/eta"
	"github.com/taskhub/dispatch/ext"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// meterName is the instrumentation scope of the lifecycle metrics.
const meterName = "github.com/taskhub/dispatch/observability"

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.RequestCreated      = (*MetricsExtension)(nil)
	_ ext.RequestBroadcast    = (*MetricsExtension)(nil)
	_ ext.OfferDeclined       = (*MetricsExtension)(nil)
	_ ext.OfferTimedOut       = (*MetricsExtension)(nil)
	_ ext.RequestMatched      = (*MetricsExtension)(nil)
	_ ext.RequestNoMatch      = (*MetricsExtension)(nil)
	_ ext.RequestExpired      = (*MetricsExtension)(nil)
	_ ext.RequestCancelled    = (*MetricsExtension)(nil)
	_ ext.RequestCompleted    = (*MetricsExtension)(nil)
	_ ext.DoerPositionUpdated = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via OpenTelemetry.
// Register it as a Dispatch extension to track request volume, offer
// outcomes, match rates and match latency.
type MetricsExtension struct {
	RequestCreated   metric.Int64Counter
	OffersSent       metric.Int64Counter
	OfferDeclined    metric.Int64Counter
	OfferTimedOut    metric.Int64Counter
	RequestMatched   metric.Int64Counter
	RequestNoMatch   metric.Int64Counter
	RequestExpired   metric.Int64Counter
	RequestCancelled metric.Int64Counter
	RequestCompleted metric.Int64Counter
	PositionUpdates  metric.Int64Counter

	// MatchLatency is the time from request creation to the winning accept.
	MatchLatency metric.Float64Histogram

	// CompletionTime is the time from the match to completion.
	CompletionTime metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// On error the API returns noop instruments.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc)) //nolint:errcheck // noop fallback
		return c
	}
	seconds := func(name, desc string) metric.Float64Histogram {
		h, _ := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s")) //nolint:errcheck // noop fallback
		return h
	}

	return &MetricsExtension{
		RequestCreated:   counter("dispatch.request.created", "Instant requests created"),
		OffersSent:       counter("dispatch.offer.sent", "Offers sent to doers"),
		OfferDeclined:    counter("dispatch.offer.declined", "Offers declined by doers"),
		OfferTimedOut:    counter("dispatch.offer.timed_out", "Offers that passed their response deadline"),
		RequestMatched:   counter("dispatch.request.matched", "Requests won by a doer"),
		RequestNoMatch:   counter("dispatch.request.no_match", "Requests that found no candidate"),
		RequestExpired:   counter("dispatch.request.expired", "Requests that expired while searching"),
		RequestCancelled: counter("dispatch.request.cancelled", "Requests cancelled by a participant"),
		RequestCompleted: counter("dispatch.request.completed", "Requests completed"),
		PositionUpdates:  counter("dispatch.doer.position_updates", "Position updates of matched doers"),
		MatchLatency:     seconds("dispatch.match.latency", "Time from request creation to match"),
		CompletionTime:   seconds("dispatch.request.completion_time", "Time from match to completion"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func categoryAttr(r *request.Request) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("category", r.Category))
}

// ── Search hooks ────────────────────────────────────

// OnRequestCreated implements ext.RequestCreated.
func (m *MetricsExtension) OnRequestCreated(ctx context.Context, r *request.Request) error {
	m.RequestCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", r.Category),
		attribute.String("urgency", string(r.Urgency)),
	))
	return nil
}

// OnRequestBroadcast implements ext.RequestBroadcast.
func (m *MetricsExtension) OnRequestBroadcast(ctx context.Context, r *request.Request, offers []*offer.Offer) error {
	m.OffersSent.Add(ctx, int64(len(offers)), metric.WithAttributes(
		attribute.String("category", r.Category),
		attribute.Int("wave", r.Wave),
	))
	return nil
}

// OnOfferDeclined implements ext.OfferDeclined.
func (m *MetricsExtension) OnOfferDeclined(ctx context.Context, r *request.Request, _ *offer.Offer) error {
	m.OfferDeclined.Add(ctx, 1, categoryAttr(r))
	return nil
}

// OnOfferTimedOut implements ext.OfferTimedOut.
func (m *MetricsExtension) OnOfferTimedOut(ctx context.Context, _ *offer.Offer) error {
	m.OfferTimedOut.Add(ctx, 1)
	return nil
}

// ── Outcome hooks ───────────────────────────────────

// OnRequestMatched implements ext.RequestMatched.
func (m *MetricsExtension) OnRequestMatched(ctx context.Context, r *request.Request, _ *offer.Offer, _ []*offer.Offer) error {
	m.RequestMatched.Add(ctx, 1, categoryAttr(r))
	if r.MatchedAt != nil {
		m.MatchLatency.Record(ctx, r.MatchedAt.Sub(r.CreatedAt).Seconds(), categoryAttr(r))
	}
	return nil
}

// OnRequestNoMatch implements ext.RequestNoMatch.
func (m *MetricsExtension) OnRequestNoMatch(ctx context.Context, r *request.Request) error {
	m.RequestNoMatch.Add(ctx, 1, categoryAttr(r))
	return nil
}

// OnRequestExpired implements ext.RequestExpired.
func (m *MetricsExtension) OnRequestExpired(ctx context.Context, r *request.Request) error {
	m.RequestExpired.Add(ctx, 1, categoryAttr(r))
	return nil
}

// OnRequestCancelled implements ext.RequestCancelled.
func (m *MetricsExtension) OnRequestCancelled(ctx context.Context, r *request.Request, _ []*offer.Offer) error {
	m.RequestCancelled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(r.CancelReason)),
	))
	return nil
}

// ── Post-match hooks ────────────────────────────────

// OnRequestCompleted implements ext.RequestCompleted.
func (m *MetricsExtension) OnRequestCompleted(ctx context.Context, r *request.Request, elapsed time.Duration) error {
	m.RequestCompleted.Add(ctx, 1, categoryAttr(r))
	m.CompletionTime.Record(ctx, elapsed.Seconds(), categoryAttr(r))
	return nil
}

// OnDoerPositionUpdated implements ext.DoerPositionUpdated.
func (m *MetricsExtension) OnDoerPositionUpdated(ctx context.Context, _ *request.Request, _ geo.Position, est eta.Estimate) error {
	m.PositionUpdates.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("eta_available", est.Available),
	))
	return nil
}
