package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/broadcast"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// Created is the result of CreateInstantRequest.
type Created struct {
	// Request is the request after its initial broadcast.
	Request *request.Request `json:"request"`

	// OffersSent is the number of doers the first wave reached.
	OffersSent int `json:"offers_sent"`

	// NoMatch is true when nobody was eligible and the request ended in
	// no_match right away.
	NoMatch bool `json:"no_match"`
}

// Accepted is the result of a winning Accept.
type Accepted struct {
	Request *request.Request `json:"request"`

	// EstimatedArrivalMinutes is nil while no fresh doer position is known.
	EstimatedArrivalMinutes *int `json:"estimated_arrival_minutes"`
}

// CreateInstantRequest validates in, persists a searching request for
// giverID and broadcasts the first wave. A request without a location
// fails with ErrLocationUnavailable; malformed input fails with a
// *dispatch.ValidationError and is never persisted.
func (e *Engine) CreateInstantRequest(ctx context.Context, giverID string, in request.Input) (*Created, error) {
	giverID = strings.TrimSpace(giverID)
	if giverID == "" {
		return nil, dispatch.NewValidationError("giver_id", "is required")
	}
	if in.Location == nil {
		return nil, fmt.Errorf("%w: request has no location", dispatch.ErrLocationUnavailable)
	}
	in.Normalize()
	if err := in.Validate(e.cfg); err != nil {
		return nil, err
	}

	if err := e.limits.Acquire(giverID); err != nil {
		e.logger.Debug("request creation limited",
			slog.String("giver_id", giverID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	r := request.New(giverID, in, e.cfg)
	if err := e.store.CreateRequest(ctx, r); err != nil {
		e.limits.Release(giverID)
		return nil, fmt.Errorf("dispatch/engine: create request: %w", err)
	}
	e.logger.Info("instant request created",
		slog.String("request_id", r.ID.String()),
		slog.String("giver_id", giverID),
		slog.String("category", r.Category),
		slog.Float64("radius_km", r.RadiusKm),
		slog.Time("expires_at", r.ExpiresAt),
	)
	e.extensions.EmitRequestCreated(ctx, r)
	e.sweeper.Arm(requestKey(r.ID), r.ExpiresAt)

	res, err := e.broadcaster.Broadcast(ctx, r)
	if err != nil {
		// The request stays searching; its own deadline still closes it.
		return nil, fmt.Errorf("dispatch/engine: broadcast %s: %w", r.ID, err)
	}
	e.afterBroadcast(ctx, res)

	return &Created{
		Request:    res.Request,
		OffersSent: len(res.Offers),
		NoMatch:    res.NoMatch,
	}, nil
}

// afterBroadcast arms the new offer deadlines and emits the wave, or
// settles a request that ended in no_match.
func (e *Engine) afterBroadcast(ctx context.Context, res *broadcast.Result) {
	if res == nil || res.Request == nil {
		return
	}
	r := res.Request
	if res.NoMatch {
		e.sweeper.Disarm(requestKey(r.ID))
		e.limits.Release(r.GiverID)
		e.extensions.EmitRequestNoMatch(ctx, r)
		return
	}
	if len(res.Offers) == 0 {
		return
	}
	for _, o := range res.Offers {
		e.sweeper.Arm(offerKey(o.ID), o.ResponseDeadline)
	}
	e.extensions.EmitRequestBroadcast(ctx, r, res.Offers)
}

// Accept resolves an accept attempt by doerID. Of any number of
// concurrent calls for one request exactly one returns a result; the
// others return ErrAlreadyMatched, ErrOfferExpired, ErrRequestCancelled or
// ErrOfferDeclined and change nothing.
func (e *Engine) Accept(ctx context.Context, requestID id.RequestID, doerID string) (*Accepted, error) {
	out, err := e.arbiter.Accept(ctx, requestID, doerID)
	if err != nil {
		return nil, err
	}

	r := out.Request
	e.sweeper.Disarm(requestKey(r.ID))
	e.sweeper.Disarm(offerKey(out.Offer.ID))
	for _, o := range out.Superseded {
		e.sweeper.Disarm(offerKey(o.ID))
	}
	e.limits.Release(r.GiverID)

	// The estimate is best effort: a missing position leaves it nil.
	if a, err := e.registry.Get(ctx, doerID); err == nil {
		est := e.estimator.Estimate(a.Location, r.Target, e.now())
		if minutes := est.MinutesPtr(); minutes != nil {
			applied, err := e.store.SetETA(ctx, r.ID, doerID, minutes)
			switch {
			case err != nil:
				e.logger.Warn("failed to store arrival estimate",
					slog.String("request_id", r.ID.String()),
					slog.String("error", err.Error()),
				)
			case applied:
				r.EstimatedArrivalMinutes = minutes
			}
		}
	}

	e.extensions.EmitRequestMatched(ctx, r, out.Offer, out.Superseded)
	return &Accepted{Request: r, EstimatedArrivalMinutes: r.EstimatedArrivalMinutes}, nil
}

// Decline records that doerID turned the offer down. It never changes the
// request status by itself; once every offer of the wave is resolved the
// request either expands or ends in no_match. Repeated declines are
// no-ops.
func (e *Engine) Decline(ctx context.Context, requestID id.RequestID, doerID string) error {
	out, err := e.arbiter.Decline(ctx, requestID, doerID)
	if err != nil {
		return err
	}
	if !out.Changed {
		return nil
	}

	e.sweeper.Disarm(offerKey(out.Offer.ID))
	e.extensions.EmitOfferDeclined(ctx, out.Request, out.Offer)
	e.expand(ctx, requestID)
	return nil
}

// Cancel cancels the request on behalf of actorID. The giver may cancel a
// searching, accepted or arriving request; the matched doer may cancel an
// accepted or arriving one. Cancelling supersedes every pending offer in
// the same write, so no later accept can win. Repeated cancels are no-ops.
func (e *Engine) Cancel(ctx context.Context, requestID id.RequestID, actorID string) (*request.Request, error) {
	out, err := e.arbiter.Cancel(ctx, requestID, actorID)
	if err != nil {
		return nil, err
	}
	r := out.Request
	if !out.Changed {
		return r, nil
	}

	e.sweeper.Disarm(requestKey(r.ID))
	for _, o := range out.Superseded {
		e.sweeper.Disarm(offerKey(o.ID))
	}
	if r.ReleasedDoerID == "" {
		// Cancelled while searching: the giver's slot was still held.
		e.limits.Release(r.GiverID)
	}
	e.extensions.EmitRequestCancelled(ctx, r, out.Superseded)
	return r, nil
}

// MarkArriving moves a matched request to arriving. Only the matched doer
// may call it.
func (e *Engine) MarkArriving(ctx context.Context, requestID id.RequestID, doerID string) (*request.Request, error) {
	return e.advance(ctx, requestID, doerID, request.StatusAccepted, request.StatusArriving)
}

// StartWork moves an arriving request to in_progress. Only the matched
// doer may call it.
func (e *Engine) StartWork(ctx context.Context, requestID id.RequestID, doerID string) (*request.Request, error) {
	return e.advance(ctx, requestID, doerID, request.StatusArriving, request.StatusInProgress)
}

// Complete moves an in_progress request to completed. Only the matched
// doer may call it.
func (e *Engine) Complete(ctx context.Context, requestID id.RequestID, doerID string) (*request.Request, error) {
	return e.advance(ctx, requestID, doerID, request.StatusInProgress, request.StatusCompleted)
}

func (e *Engine) advance(ctx context.Context, requestID id.RequestID, doerID string, from, to request.Status) (*request.Request, error) {
	r, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if doerID == "" || r.MatchedDoerID != doerID {
		return nil, dispatch.ErrNotParticipant
	}

	updated, err := e.store.TransitionRequest(ctx, requestID, from, to, e.now())
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidTransition) {
			e.logger.Error("invalid state transition",
				slog.String("request_id", requestID.String()),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	e.logger.Info("request advanced",
		slog.String("request_id", requestID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	e.extensions.EmitRequestTransitioned(ctx, updated, from)
	if to == request.StatusCompleted && updated.MatchedAt != nil && updated.CompletedAt != nil {
		e.extensions.EmitRequestCompleted(ctx, updated, updated.CompletedAt.Sub(*updated.MatchedAt))
	}
	return updated, nil
}

// expand runs the expansion decision for a request whose wave may be
// exhausted.
func (e *Engine) expand(ctx context.Context, requestID id.RequestID) {
	res, err := e.broadcaster.Expand(ctx, requestID)
	if err != nil {
		e.logger.Warn("expansion failed",
			slog.String("request_id", requestID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.afterBroadcast(ctx, res)
}

// GetRequest returns a request by ID.
func (e *Engine) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	return e.store.GetRequest(ctx, requestID)
}

// ListRequestsByGiver returns a giver's requests, newest first.
func (e *Engine) ListRequestsByGiver(ctx context.Context, giverID string, opts request.ListOpts) ([]*request.Request, error) {
	return e.store.ListRequestsByGiver(ctx, giverID, opts)
}

// ListOffers returns every offer of a request, nearest first.
func (e *Engine) ListOffers(ctx context.Context, requestID id.RequestID) ([]*offer.Offer, error) {
	return e.store.ListOffers(ctx, requestID)
}

// CanView reports whether subject may read r: its giver, its matched doer
// or a doer that was offered it in any wave.
func (e *Engine) CanView(ctx context.Context, r *request.Request, subject string) (bool, error) {
	if r.IsParticipant(subject) {
		return true, nil
	}
	if subject == "" {
		return false, nil
	}
	offers, err := e.store.ListOffers(ctx, r.ID)
	if err != nil {
		return false, err
	}
	for _, o := range offers {
		if o.DoerID == subject {
			return true, nil
		}
	}
	return false, nil
}

// PendingOffers returns a doer's open offers with the request summary a
// client needs to render them, for example after a reconnect.
func (e *Engine) PendingOffers(ctx context.Context, doerID string) ([]broadcast.OfferPayload, error) {
	offers, err := e.store.ListPendingByDoer(ctx, doerID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]broadcast.OfferPayload, 0, len(offers))
	for _, o := range offers {
		if o.Expired(now) {
			continue
		}
		r, err := e.store.GetRequest(ctx, o.RequestID)
		if err != nil {
			if errors.Is(err, dispatch.ErrRequestNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, broadcast.NewOfferPayload(r, o))
	}
	return out, nil
}
