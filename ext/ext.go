// Package ext defines the extension system for Dispatch.
// Extensions are notified of request lifecycle events (created, matched,
// expired, cancelled, etc.) and can react to them by streaming, metering
// or billing.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/taskhub/dispatch/eta"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Search hooks
// ──────────────────────────────────────────────────

// RequestCreated is called after a request is persisted, before any
// offer goes out.
type RequestCreated interface {
	OnRequestCreated(ctx context.Context, r *request.Request) error
}

// RequestBroadcast is called after a wave of offers was created.
type RequestBroadcast interface {
	OnRequestBroadcast(ctx context.Context, r *request.Request, offers []*offer.Offer) error
}

// OfferDeclined is called when a doer turns an offer down.
type OfferDeclined interface {
	OnOfferDeclined(ctx context.Context, r *request.Request, o *offer.Offer) error
}

// OfferTimedOut is called when an offer's response deadline passes.
type OfferTimedOut interface {
	OnOfferTimedOut(ctx context.Context, o *offer.Offer) error
}

// ──────────────────────────────────────────────────
// Outcome hooks
// ──────────────────────────────────────────────────

// RequestMatched is called once per request, for the single winning
// accept. superseded lists the offers the win closed.
type RequestMatched interface {
	OnRequestMatched(ctx context.Context, r *request.Request, winner *offer.Offer, superseded []*offer.Offer) error
}

// RequestNoMatch is called when a search ends without candidates.
type RequestNoMatch interface {
	OnRequestNoMatch(ctx context.Context, r *request.Request) error
}

// RequestExpired is called when a searching request passes expires_at.
type RequestExpired interface {
	OnRequestExpired(ctx context.Context, r *request.Request) error
}

// RequestCancelled is called when a participant cancels. superseded
// lists pending offers closed by the cancel.
type RequestCancelled interface {
	OnRequestCancelled(ctx context.Context, r *request.Request, superseded []*offer.Offer) error
}

// ──────────────────────────────────────────────────
// Post-match hooks
// ──────────────────────────────────────────────────

// RequestTransitioned is called after a matched request moves to
// arriving, in_progress or completed.
type RequestTransitioned interface {
	OnRequestTransitioned(ctx context.Context, r *request.Request, from request.Status) error
}

// RequestCompleted is called when work is done. elapsed runs from the
// match to completion.
type RequestCompleted interface {
	OnRequestCompleted(ctx context.Context, r *request.Request, elapsed time.Duration) error
}

// DoerPositionUpdated is called when the matched doer of an active
// request reports a new position.
type DoerPositionUpdated interface {
	OnDoerPositionUpdated(ctx context.Context, r *request.Request, pos geo.Position, est eta.Estimate) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
