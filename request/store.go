package request

import (
	"context"
	"time"

	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
)

// ListOpts controls pagination and filtering for request list queries.
type ListOpts struct {
	// Limit is the maximum number of requests to return. Zero means no limit.
	Limit int
	// Offset is the number of requests to skip.
	Offset int
	// Status filters by lifecycle status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for instant requests.
//
// Accept and cancel are not here: they touch offers in the same write and
// belong to the arbiter store.
type Store interface {
	// CreateRequest persists a new request in searching state.
	CreateRequest(ctx context.Context, r *Request) error

	// GetRequest retrieves a request by ID.
	GetRequest(ctx context.Context, requestID id.RequestID) (*Request, error)

	// ListRequestsByGiver returns a giver's requests, newest first.
	ListRequestsByGiver(ctx context.Context, giverID string, opts ListOpts) ([]*Request, error)

	// FindActiveByDoer returns the matched, non-terminal requests of a doer.
	FindActiveByDoer(ctx context.Context, doerID string) ([]*Request, error)

	// ListSearching returns every request still in searching state.
	ListSearching(ctx context.Context) ([]*Request, error)

	// TransitionRequest moves a request from → to only if its current
	// status is still from. A mismatch returns ErrInvalidTransition and
	// leaves the request untouched. Accept and cancel are rejected here.
	TransitionRequest(ctx context.Context, requestID id.RequestID, from, to Status, now time.Time) (*Request, error)

	// AdvanceWave bumps the broadcast wave of a searching request from
	// fromWave to fromWave+1. It returns ErrInvalidTransition when the
	// request left searching or another caller already advanced it.
	AdvanceWave(ctx context.Context, requestID id.RequestID, fromWave int) (*Request, error)

	// SetETA records the arrival estimate of a request doerID is matched
	// to and travelling for (accepted or arriving). A nil minutes value
	// marks the estimate unavailable. It reports false and writes nothing
	// when the request is in any other state or matched to someone else.
	SetETA(ctx context.Context, requestID id.RequestID, doerID string, minutes *int) (bool, error)

	// ExpireRequests moves every searching request whose expires_at is at
	// or before now to expired and times out its pending offers in the
	// same write. It returns the expired requests and the offers closed.
	ExpireRequests(ctx context.Context, now time.Time) ([]*Request, []*offer.Offer, error)
}
