package arbiter

import (
	"fmt"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// CheckAccept decides whether o may win r at now. Backends call it while
// holding whatever lock makes the following write atomic. The order of
// checks is fixed: an expired offer reports ErrOfferExpired whatever the
// request status is.
func CheckAccept(r *request.Request, o *offer.Offer, now time.Time) error {
	switch {
	case o.Expired(now):
		return dispatch.ErrOfferExpired
	case r.Status == request.StatusCancelled:
		return dispatch.ErrRequestCancelled
	case r.Status.Matched(), o.Response == offer.ResponseSuperseded:
		return dispatch.ErrAlreadyMatched
	case o.Response == offer.ResponseDeclined:
		return dispatch.ErrOfferDeclined
	case o.Response == offer.ResponseTimedOut, r.Status != request.StatusSearching:
		return dispatch.ErrOfferExpired
	case o.Response != offer.ResponsePending:
		return dispatch.ErrAlreadyMatched
	}
	return nil
}

// ApplyAccept mutates r, the winning offer o and the request's other
// offers in place and returns the offers it superseded. CheckAccept must
// have passed.
func ApplyAccept(r *request.Request, o *offer.Offer, others []*offer.Offer, now time.Time) []*offer.Offer {
	r.Status = request.StatusAccepted
	r.MatchedDoerID = o.DoerID
	r.MatchedAt = &now
	r.UpdatedAt = now

	o.Response = offer.ResponseAccepted
	o.RespondedAt = &now
	o.UpdatedAt = now

	return supersede(others, o.DoerID, now)
}

// CancelReasonFor attributes a cancel by actorID. It returns
// ErrNotParticipant when the actor may not cancel r.
func CancelReasonFor(r *request.Request, actorID string) (request.CancelReason, error) {
	switch {
	case actorID != "" && actorID == r.GiverID:
		return request.CancelGiver, nil
	case actorID != "" && actorID == r.MatchedDoerID:
		return request.CancelDoer, nil
	case r.Status == request.StatusCancelled && actorID != "" && actorID == r.ReleasedDoerID:
		return request.CancelDoer, nil
	}
	return "", dispatch.ErrNotParticipant
}

// CheckCancel reports whether r can move to cancelled. A request that is
// already cancelled returns done=true and no error.
func CheckCancel(r *request.Request) (done bool, err error) {
	if r.Status == request.StatusCancelled {
		return true, nil
	}
	if !request.CanTransition(r.Status, request.StatusCancelled) {
		return false, fmt.Errorf("%w: %s → %s", dispatch.ErrInvalidTransition, r.Status, request.StatusCancelled)
	}
	return false, nil
}

// ApplyCancel mutates r and its offers in place and returns the pending
// offers it superseded.
func ApplyCancel(r *request.Request, offers []*offer.Offer, actorID string, reason request.CancelReason, now time.Time) []*offer.Offer {
	r.Status = request.StatusCancelled
	r.CancelledBy = actorID
	r.CancelReason = reason
	if r.MatchedDoerID != "" {
		r.ReleasedDoerID = r.MatchedDoerID
		r.MatchedDoerID = ""
	}
	r.EstimatedArrivalMinutes = nil
	r.UpdatedAt = now

	return supersede(offers, "", now)
}

// ApplyDecline marks a pending offer declined. It reports false when the
// offer had already left pending, which makes a repeated decline a no-op.
func ApplyDecline(o *offer.Offer, now time.Time) bool {
	if o.Response != offer.ResponsePending {
		return false
	}
	o.Response = offer.ResponseDeclined
	o.RespondedAt = &now
	o.UpdatedAt = now
	return true
}

func supersede(offers []*offer.Offer, skipDoer string, now time.Time) []*offer.Offer {
	var out []*offer.Offer
	for _, other := range offers {
		if other.DoerID == skipDoer || other.Response != offer.ResponsePending {
			continue
		}
		other.Response = offer.ResponseSuperseded
		other.RespondedAt = &now
		other.UpdatedAt = now
		out = append(out, other)
	}
	return out
}
