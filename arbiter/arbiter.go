// Package arbiter resolves the accept race. Of any number of concurrent
// accepts for one request, exactly one wins; every other attempt gets a
// benign outcome error and changes nothing.
//
// Atomicity lives in the store: each backend runs CheckAccept and
// ApplyAccept inside a single conditional write (one critical section,
// one transaction or one script).
package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// Outcome is the state after an arbitrated write.
type Outcome struct {
	Request *request.Request
	Offer   *offer.Offer

	// Superseded lists pending offers the write closed.
	Superseded []*offer.Offer

	// Changed is false when the call was an idempotent repeat.
	Changed bool
}

// Store is the persistence contract for the writes that touch a request
// and its offers together.
type Store interface {
	// AcceptOffer makes doerID the winner of the request if CheckAccept
	// passes, superseding every other pending offer in the same write. A
	// losing attempt returns the CheckAccept error and mutates nothing.
	AcceptOffer(ctx context.Context, requestID id.RequestID, doerID string, now time.Time) (*Outcome, error)

	// DeclineOffer marks the doer's pending offer declined. Declining an
	// offer that already left pending is a no-op with Changed=false.
	DeclineOffer(ctx context.Context, requestID id.RequestID, doerID string, now time.Time) (*Outcome, error)

	// CancelRequest cancels the request on behalf of actorID and
	// supersedes its pending offers in the same write. Cancelling a
	// cancelled request is a no-op with Changed=false.
	CancelRequest(ctx context.Context, requestID id.RequestID, actorID string, now time.Time) (*Outcome, error)
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) { a.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

// Arbiter is the acceptance service in front of the store.
type Arbiter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Arbiter over store.
func New(store Store, opts ...Option) *Arbiter {
	a := &Arbiter{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Accept resolves an accept attempt by doerID.
func (a *Arbiter) Accept(ctx context.Context, requestID id.RequestID, doerID string) (*Outcome, error) {
	out, err := a.store.AcceptOffer(ctx, requestID, doerID, a.now())
	if err != nil {
		a.logOutcome("accept", requestID, doerID, err)
		return nil, err
	}
	a.logger.Info("request matched",
		slog.String("request_id", requestID.String()),
		slog.String("doer_id", doerID),
		slog.Int("superseded", len(out.Superseded)),
	)
	return out, nil
}

// Decline records a decline by doerID.
func (a *Arbiter) Decline(ctx context.Context, requestID id.RequestID, doerID string) (*Outcome, error) {
	out, err := a.store.DeclineOffer(ctx, requestID, doerID, a.now())
	if err != nil {
		a.logOutcome("decline", requestID, doerID, err)
		return nil, err
	}
	return out, nil
}

// Cancel cancels the request on behalf of actorID.
func (a *Arbiter) Cancel(ctx context.Context, requestID id.RequestID, actorID string) (*Outcome, error) {
	out, err := a.store.CancelRequest(ctx, requestID, actorID, a.now())
	if err != nil {
		a.logOutcome("cancel", requestID, actorID, err)
		return nil, err
	}
	if out.Changed {
		a.logger.Info("request cancelled",
			slog.String("request_id", requestID.String()),
			slog.String("actor_id", actorID),
			slog.String("reason", string(out.Request.CancelReason)),
		)
	}
	return out, nil
}

func (a *Arbiter) logOutcome(op string, requestID id.RequestID, actorID string, err error) {
	attrs := []any{
		slog.String("op", op),
		slog.String("request_id", requestID.String()),
		slog.String("actor_id", actorID),
		slog.String("error", err.Error()),
	}
	switch {
	case dispatch.IsRaceOutcome(err):
		a.logger.Debug("race outcome", attrs...)
	case errors.Is(err, dispatch.ErrInvalidTransition):
		a.logger.Error("invalid state transition", attrs...)
	default:
		a.logger.Warn("arbiter call failed", attrs...)
	}
}
