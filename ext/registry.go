package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskhub/dispatch/eta"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type requestCreatedEntry struct {
	name string
	hook RequestCreated
}

type requestBroadcastEntry struct {
	name string
	hook RequestBroadcast
}

type offerDeclinedEntry struct {
	name string
	hook OfferDeclined
}

type offerTimedOutEntry struct {
	name string
	hook OfferTimedOut
}

type requestMatchedEntry struct {
	name string
	hook RequestMatched
}

type requestNoMatchEntry struct {
	name string
	hook RequestNoMatch
}

type requestExpiredEntry struct {
	name string
	hook RequestExpired
}

type requestCancelledEntry struct {
	name string
	hook RequestCancelled
}

type requestTransitionedEntry struct {
	name string
	hook RequestTransitioned
}

type requestCompletedEntry struct {
	name string
	hook RequestCompleted
}

type doerPositionUpdatedEntry struct {
	name string
	hook DoerPositionUpdated
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Extensions are type-cached at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register is not safe for concurrent use with emits; register every
// extension before the engine starts.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	requestCreated      []requestCreatedEntry
	requestBroadcast    []requestBroadcastEntry
	offerDeclined       []offerDeclinedEntry
	offerTimedOut       []offerTimedOutEntry
	requestMatched      []requestMatchedEntry
	requestNoMatch      []requestNoMatchEntry
	requestExpired      []requestExpiredEntry
	requestCancelled    []requestCancelledEntry
	requestTransitioned []requestTransitionedEntry
	requestCompleted    []requestCompletedEntry
	doerPositionUpdated []doerPositionUpdatedEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RequestCreated); ok {
		r.requestCreated = append(r.requestCreated, requestCreatedEntry{name, h})
	}
	if h, ok := e.(RequestBroadcast); ok {
		r.requestBroadcast = append(r.requestBroadcast, requestBroadcastEntry{name, h})
	}
	if h, ok := e.(OfferDeclined); ok {
		r.offerDeclined = append(r.offerDeclined, offerDeclinedEntry{name, h})
	}
	if h, ok := e.(OfferTimedOut); ok {
		r.offerTimedOut = append(r.offerTimedOut, offerTimedOutEntry{name, h})
	}
	if h, ok := e.(RequestMatched); ok {
		r.requestMatched = append(r.requestMatched, requestMatchedEntry{name, h})
	}
	if h, ok := e.(RequestNoMatch); ok {
		r.requestNoMatch = append(r.requestNoMatch, requestNoMatchEntry{name, h})
	}
	if h, ok := e.(RequestExpired); ok {
		r.requestExpired = append(r.requestExpired, requestExpiredEntry{name, h})
	}
	if h, ok := e.(RequestCancelled); ok {
		r.requestCancelled = append(r.requestCancelled, requestCancelledEntry{name, h})
	}
	if h, ok := e.(RequestTransitioned); ok {
		r.requestTransitioned = append(r.requestTransitioned, requestTransitionedEntry{name, h})
	}
	if h, ok := e.(RequestCompleted); ok {
		r.requestCompleted = append(r.requestCompleted, requestCompletedEntry{name, h})
	}
	if h, ok := e.(DoerPositionUpdated); ok {
		r.doerPositionUpdated = append(r.doerPositionUpdated, doerPositionUpdatedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Search event emitters
// ──────────────────────────────────────────────────

// EmitRequestCreated notifies all extensions that implement RequestCreated.
func (r *Registry) EmitRequestCreated(ctx context.Context, req *request.Request) {
	for _, e := range r.requestCreated {
		if err := e.hook.OnRequestCreated(ctx, req); err != nil {
			r.logHookError("OnRequestCreated", e.name, err)
		}
	}
}

// EmitRequestBroadcast notifies all extensions that implement RequestBroadcast.
func (r *Registry) EmitRequestBroadcast(ctx context.Context, req *request.Request, offers []*offer.Offer) {
	for _, e := range r.requestBroadcast {
		if err := e.hook.OnRequestBroadcast(ctx, req, offers); err != nil {
			r.logHookError("OnRequestBroadcast", e.name, err)
		}
	}
}

// EmitOfferDeclined notifies all extensions that implement OfferDeclined.
func (r *Registry) EmitOfferDeclined(ctx context.Context, req *request.Request, o *offer.Offer) {
	for _, e := range r.offerDeclined {
		if err := e.hook.OnOfferDeclined(ctx, req, o); err != nil {
			r.logHookError("OnOfferDeclined", e.name, err)
		}
	}
}

// EmitOfferTimedOut notifies all extensions that implement OfferTimedOut.
func (r *Registry) EmitOfferTimedOut(ctx context.Context, o *offer.Offer) {
	for _, e := range r.offerTimedOut {
		if err := e.hook.OnOfferTimedOut(ctx, o); err != nil {
			r.logHookError("OnOfferTimedOut", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Outcome event emitters
// ──────────────────────────────────────────────────

// EmitRequestMatched notifies all extensions that implement RequestMatched.
func (r *Registry) EmitRequestMatched(ctx context.Context, req *request.Request, winner *offer.Offer, superseded []*offer.Offer) {
	for _, e := range r.requestMatched {
		if err := e.hook.OnRequestMatched(ctx, req, winner, superseded); err != nil {
			r.logHookError("OnRequestMatched", e.name, err)
		}
	}
}

// EmitRequestNoMatch notifies all extensions that implement RequestNoMatch.
func (r *Registry) EmitRequestNoMatch(ctx context.Context, req *request.Request) {
	for _, e := range r.requestNoMatch {
		if err := e.hook.OnRequestNoMatch(ctx, req); err != nil {
			r.logHookError("OnRequestNoMatch", e.name, err)
		}
	}
}

// EmitRequestExpired notifies all extensions that implement RequestExpired.
func (r *Registry) EmitRequestExpired(ctx context.Context, req *request.Request) {
	for _, e := range r.requestExpired {
		if err := e.hook.OnRequestExpired(ctx, req); err != nil {
			r.logHookError("OnRequestExpired", e.name, err)
		}
	}
}

// EmitRequestCancelled notifies all extensions that implement RequestCancelled.
func (r *Registry) EmitRequestCancelled(ctx context.Context, req *request.Request, superseded []*offer.Offer) {
	for _, e := range r.requestCancelled {
		if err := e.hook.OnRequestCancelled(ctx, req, superseded); err != nil {
			r.logHookError("OnRequestCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Post-match event emitters
// ──────────────────────────────────────────────────

// EmitRequestTransitioned notifies all extensions that implement RequestTransitioned.
func (r *Registry) EmitRequestTransitioned(ctx context.Context, req *request.Request, from request.Status) {
	for _, e := range r.requestTransitioned {
		if err := e.hook.OnRequestTransitioned(ctx, req, from); err != nil {
			r.logHookError("OnRequestTransitioned", e.name, err)
		}
	}
}

// EmitRequestCompleted notifies all extensions that implement RequestCompleted.
func (r *Registry) EmitRequestCompleted(ctx context.Context, req *request.Request, elapsed time.Duration) {
	for _, e := range r.requestCompleted {
		if err := e.hook.OnRequestCompleted(ctx, req, elapsed); err != nil {
			r.logHookError("OnRequestCompleted", e.name, err)
		}
	}
}

// EmitDoerPositionUpdated notifies all extensions that implement DoerPositionUpdated.
func (r *Registry) EmitDoerPositionUpdated(ctx context.Context, req *request.Request, pos geo.Position, est eta.Estimate) {
	for _, e := range r.doerPositionUpdated {
		if err := e.hook.OnDoerPositionUpdated(ctx, req, pos, est); err != nil {
			r.logHookError("OnDoerPositionUpdated", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the
// request lifecycle.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
