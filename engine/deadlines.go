package engine

import (
	"context"
	"log/slog"

	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
	"github.com/taskhub/dispatch/stream"
	"github.com/taskhub/dispatch/sweep"
)

var _ sweep.Handler = (*Engine)(nil)

func requestKey(requestID id.RequestID) string { return "request:" + requestID.String() }

func offerKey(offerID id.OfferID) string { return "offer:" + offerID.String() }

// OffersTimedOut implements sweep.Handler. Each request that lost a
// pending offer gets an expansion decision.
func (e *Engine) OffersTimedOut(ctx context.Context, offers []*offer.Offer) {
	seen := make(map[string]struct{}, len(offers))
	var requests []id.RequestID
	for _, o := range offers {
		e.sweeper.Disarm(offerKey(o.ID))
		e.extensions.EmitOfferTimedOut(ctx, o)
		if _, ok := seen[o.RequestID.String()]; ok {
			continue
		}
		seen[o.RequestID.String()] = struct{}{}
		requests = append(requests, o.RequestID)
	}
	for _, requestID := range requests {
		e.expand(ctx, requestID)
	}
}

// RequestsExpired implements sweep.Handler. Doers holding a closed offer
// hear offer.timed_out; the request does not expand.
func (e *Engine) RequestsExpired(ctx context.Context, requests []*request.Request, closed []*offer.Offer) {
	for _, o := range closed {
		e.sweeper.Disarm(offerKey(o.ID))
		e.extensions.EmitOfferTimedOut(ctx, o)
	}
	for _, r := range requests {
		e.sweeper.Disarm(requestKey(r.ID))
		e.limits.Release(r.GiverID)
		e.logger.Info("request expired",
			slog.String("request_id", r.ID.String()),
			slog.Int("wave", r.Wave),
		)
		e.extensions.EmitRequestExpired(ctx, r)
	}
}

// rearm restores the deadline timers of searching requests and their
// pending offers. Deadlines already in the past fire immediately.
func (e *Engine) rearm(ctx context.Context) error {
	searching, err := e.store.ListSearching(ctx)
	if err != nil {
		return err
	}
	armed := 0
	for _, r := range searching {
		e.sweeper.Arm(requestKey(r.ID), r.ExpiresAt)
		armed++

		offers, err := e.store.ListOffers(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, o := range offers {
			if o.Response == offer.ResponsePending {
				e.sweeper.Arm(offerKey(o.ID), o.ResponseDeadline)
				armed++
			}
		}
	}
	if armed > 0 {
		e.logger.Info("re-armed deadlines",
			slog.Int("requests", len(searching)),
			slog.Int("timers", armed),
		)
	}
	return nil
}

// Subscribe creates a realtime subscriber on topics. Authorizing which
// topics a caller may read is the transport's job.
func (e *Engine) Subscribe(subscriberID string, topics ...string) *stream.Subscriber {
	return e.broker.Subscribe(subscriberID, topics...)
}

// Unsubscribe removes a subscriber from every topic and closes it.
func (e *Engine) Unsubscribe(subscriberID string) {
	e.broker.RemoveSubscriber(subscriberID)
}
