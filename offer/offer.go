// Package offer defines the time-boxed invitation for one doer to accept
// one instant request.
package offer

import (
	"context"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/id"
)

// Response is the state of an offer.
type Response string

const (
	// ResponsePending means the doer has not answered yet.
	ResponsePending Response = "pending"
	// ResponseAccepted means the doer won the request.
	ResponseAccepted Response = "accepted"
	// ResponseDeclined means the doer turned the offer down.
	ResponseDeclined Response = "declined"
	// ResponseTimedOut means the response deadline passed unanswered.
	ResponseTimedOut Response = "timed_out"
	// ResponseSuperseded means the request was matched or cancelled while
	// the offer was pending.
	ResponseSuperseded Response = "superseded"
)

// Resolved reports whether the offer left pending.
func (r Response) Resolved() bool { return r != ResponsePending }

// Offer invites one doer to accept one request before ResponseDeadline.
type Offer struct {
	dispatch.Entity

	ID               id.OfferID   `json:"id"`
	RequestID        id.RequestID `json:"request_id"`
	DoerID           string       `json:"doer_id"`
	DistanceKm       float64      `json:"distance_km"`
	NotifiedAt       time.Time    `json:"notified_at"`
	ResponseDeadline time.Time    `json:"response_deadline"`
	Response         Response     `json:"response"`
	RespondedAt      *time.Time   `json:"responded_at,omitempty"`

	// Wave is the broadcast wave that produced the offer.
	Wave int `json:"wave"`
}

// New creates a pending offer notified at now.
func New(requestID id.RequestID, doerID string, distanceKm float64, wave int, now time.Time, ttl time.Duration) *Offer {
	e := dispatch.NewEntity()
	e.CreatedAt, e.UpdatedAt = now, now
	return &Offer{
		Entity:           e,
		ID:               id.NewOfferID(),
		RequestID:        requestID,
		DoerID:           doerID,
		DistanceKm:       distanceKm,
		NotifiedAt:       now,
		ResponseDeadline: now.Add(ttl),
		Response:         ResponsePending,
		Wave:             wave,
	}
}

// Expired reports whether now is at or past the response deadline.
func (o *Offer) Expired(now time.Time) bool {
	return !now.Before(o.ResponseDeadline)
}

// Clone returns a deep copy of o.
func (o *Offer) Clone() *Offer {
	cp := *o
	if o.RespondedAt != nil {
		v := *o.RespondedAt
		cp.RespondedAt = &v
	}
	return &cp
}

// Store defines the persistence contract for offers. Accept, decline and
// cancel mutations live in the arbiter store.
type Store interface {
	// CreateOffers persists a batch of pending offers for one wave of a
	// request. The write is conditional: unless the request is still
	// searching at wave, nothing is stored and ErrInvalidTransition is
	// returned.
	CreateOffers(ctx context.Context, requestID id.RequestID, wave int, offers []*Offer) error

	// GetOffer returns the offer addressed to doerID for the request.
	GetOffer(ctx context.Context, requestID id.RequestID, doerID string) (*Offer, error)

	// ListOffers returns every offer of a request ordered by distance.
	ListOffers(ctx context.Context, requestID id.RequestID) ([]*Offer, error)

	// ListPendingByDoer returns the doer's open offers.
	ListPendingByDoer(ctx context.Context, doerID string) ([]*Offer, error)

	// TimeoutOffers moves every pending offer whose deadline is at or
	// before now to timed_out and returns them.
	TimeoutOffers(ctx context.Context, now time.Time) ([]*Offer, error)
}
