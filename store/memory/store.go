package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/arbiter"
	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
	"github.com/taskhub/dispatch/store"
)

var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
//
// One mutex guards everything, so each arbiter write is a single critical
// section.
type Store struct {
	mu sync.RWMutex

	requests map[string]*request.Request
	offers   map[string][]*offer.Offer // key: request ID
	doers    map[string]*availability.Availability
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		requests: make(map[string]*request.Request),
		offers:   make(map[string][]*offer.Offer),
		doers:    make(map[string]*availability.Availability),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Request Store
// ──────────────────────────────────────────────────

// CreateRequest persists a new request.
func (m *Store) CreateRequest(_ context.Context, r *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.requests[key]; exists {
		return fmt.Errorf("dispatch/memory: request %s already exists", key)
	}
	m.requests[key] = r.Clone()
	return nil
}

// GetRequest retrieves a request by ID.
func (m *Store) GetRequest(_ context.Context, requestID id.RequestID) (*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return nil, dispatch.ErrRequestNotFound
	}
	return r.Clone(), nil
}

// ListRequestsByGiver returns a giver's requests, newest first.
func (m *Store) ListRequestsByGiver(_ context.Context, giverID string, opts request.ListOpts) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*request.Request
	for _, r := range m.requests {
		if r.GiverID != giverID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		result = append(result, r.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// FindActiveByDoer returns the matched, non-terminal requests of a doer.
func (m *Store) FindActiveByDoer(_ context.Context, doerID string) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*request.Request
	for _, r := range m.requests {
		if r.MatchedDoerID == doerID && r.Status.Matched() && !r.Status.Terminal() {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListSearching returns every request still in searching state.
func (m *Store) ListSearching(_ context.Context) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*request.Request
	for _, r := range m.requests {
		if r.Status == request.StatusSearching {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

// TransitionRequest moves a request from → to if it is still in from.
func (m *Store) TransitionRequest(_ context.Context, requestID id.RequestID, from, to request.Status, now time.Time) (*request.Request, error) {
	if to == request.StatusAccepted || to == request.StatusCancelled {
		return nil, fmt.Errorf("%w: %s → %s goes through the arbiter", dispatch.ErrInvalidTransition, from, to)
	}
	if err := request.Transition(from, to); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return nil, dispatch.ErrRequestNotFound
	}
	if r.Status != from {
		return nil, fmt.Errorf("%w: request is %s, not %s", dispatch.ErrInvalidTransition, r.Status, from)
	}

	r.Status = to
	r.UpdatedAt = now
	if to == request.StatusCompleted {
		r.CompletedAt = &now
	}
	if to.Terminal() {
		m.timeoutPendingLocked(r.ID.String(), now)
	}
	return r.Clone(), nil
}

// AdvanceWave bumps the broadcast wave of a searching request.
func (m *Store) AdvanceWave(_ context.Context, requestID id.RequestID, fromWave int) (*request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return nil, dispatch.ErrRequestNotFound
	}
	if r.Status != request.StatusSearching || r.Wave != fromWave {
		return nil, fmt.Errorf("%w: request is %s at wave %d", dispatch.ErrInvalidTransition, r.Status, r.Wave)
	}
	r.Wave++
	r.UpdatedAt = time.Now().UTC()
	return r.Clone(), nil
}

// SetETA records the arrival estimate of a request doerID is on the way to.
func (m *Store) SetETA(_ context.Context, requestID id.RequestID, doerID string, minutes *int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return false, dispatch.ErrRequestNotFound
	}
	if !r.Status.Travelling() || doerID == "" || r.MatchedDoerID != doerID {
		return false, nil
	}
	if minutes == nil {
		r.EstimatedArrivalMinutes = nil
		return true, nil
	}
	v := *minutes
	r.EstimatedArrivalMinutes = &v
	return true, nil
}

// ExpireRequests expires every searching request whose deadline passed
// and returns the pending offers it closed with them.
func (m *Store) ExpireRequests(_ context.Context, now time.Time) ([]*request.Request, []*offer.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		result []*request.Request
		closed []*offer.Offer
	)
	for key, r := range m.requests {
		if r.Status != request.StatusSearching || r.ExpiresAt.After(now) {
			continue
		}
		r.Status = request.StatusExpired
		r.UpdatedAt = now
		closed = append(closed, m.timeoutPendingLocked(key, now)...)
		result = append(result, r.Clone())
	}
	return result, closed, nil
}

// timeoutPendingLocked closes the open offers of a request that reached
// a terminal state and returns them. Caller holds m.mu.
func (m *Store) timeoutPendingLocked(requestKey string, now time.Time) []*offer.Offer {
	var closed []*offer.Offer
	for _, o := range m.offers[requestKey] {
		if o.Response == offer.ResponsePending {
			o.Response = offer.ResponseTimedOut
			o.RespondedAt = &now
			o.UpdatedAt = now
			closed = append(closed, o.Clone())
		}
	}
	return closed
}

// ──────────────────────────────────────────────────
// Offer Store
// ──────────────────────────────────────────────────

// CreateOffers persists a batch of pending offers if the request is still
// searching at wave. A doer holds at most one offer per request.
func (m *Store) CreateOffers(_ context.Context, requestID id.RequestID, wave int, offers []*offer.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := requestID.String()
	r, ok := m.requests[key]
	if !ok {
		return dispatch.ErrRequestNotFound
	}
	if r.Status != request.StatusSearching || r.Wave != wave {
		return fmt.Errorf("%w: request is %s at wave %d, not searching at wave %d",
			dispatch.ErrInvalidTransition, r.Status, r.Wave, wave)
	}
	for _, o := range offers {
		if o.RequestID.String() != key {
			return fmt.Errorf("dispatch/memory: offer %s belongs to request %s", o.ID, o.RequestID)
		}
		if findOffer(m.offers[key], o.DoerID) != nil {
			return fmt.Errorf("dispatch/memory: doer %s already offered request %s", o.DoerID, key)
		}
	}
	for _, o := range offers {
		m.offers[key] = append(m.offers[key], o.Clone())
	}
	return nil
}

// GetOffer returns the offer addressed to doerID for the request.
func (m *Store) GetOffer(_ context.Context, requestID id.RequestID, doerID string) (*offer.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o := findOffer(m.offers[requestID.String()], doerID)
	if o == nil {
		return nil, dispatch.ErrOfferNotFound
	}
	return o.Clone(), nil
}

// ListOffers returns every offer of a request ordered by distance.
func (m *Store) ListOffers(_ context.Context, requestID id.RequestID) ([]*offer.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := cloneOffers(m.offers[requestID.String()])
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DistanceKm < result[j].DistanceKm
	})
	return result, nil
}

// ListPendingByDoer returns the doer's open offers.
func (m *Store) ListPendingByDoer(_ context.Context, doerID string) ([]*offer.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*offer.Offer
	for _, offers := range m.offers {
		for _, o := range offers {
			if o.DoerID == doerID && o.Response == offer.ResponsePending {
				result = append(result, o.Clone())
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ResponseDeadline.Before(result[j].ResponseDeadline)
	})
	return result, nil
}

// TimeoutOffers times out every pending offer whose deadline passed.
func (m *Store) TimeoutOffers(_ context.Context, now time.Time) ([]*offer.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*offer.Offer
	for _, offers := range m.offers {
		for _, o := range offers {
			if o.Response != offer.ResponsePending || !o.Expired(now) {
				continue
			}
			o.Response = offer.ResponseTimedOut
			o.RespondedAt = &now
			o.UpdatedAt = now
			result = append(result, o.Clone())
		}
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Arbiter Store
// ──────────────────────────────────────────────────

// AcceptOffer resolves an accept attempt in one critical section.
func (m *Store) AcceptOffer(_ context.Context, requestID id.RequestID, doerID string, now time.Time) (*arbiter.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := requestID.String()
	r, ok := m.requests[key]
	if !ok {
		return nil, dispatch.ErrRequestNotFound
	}
	offers := m.offers[key]
	o := findOffer(offers, doerID)
	if o == nil {
		return nil, dispatch.ErrOfferNotFound
	}
	if err := arbiter.CheckAccept(r, o, now); err != nil {
		return nil, err
	}

	superseded := arbiter.ApplyAccept(r, o, offers, now)
	return &arbiter.Outcome{
		Request:    r.Clone(),
		Offer:      o.Clone(),
		Superseded: cloneOffers(superseded),
		Changed:    true,
	}, nil
}

// DeclineOffer marks the doer's pending offer declined.
func (m *Store) DeclineOffer(_ context.Context, requestID id.RequestID, doerID string, now time.Time) (*arbiter.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := requestID.String()
	r, ok := m.requests[key]
	if !ok {
		return nil, dispatch.ErrRequestNotFound
	}
	o := findOffer(m.offers[key], doerID)
	if o == nil {
		return nil, dispatch.ErrOfferNotFound
	}

	changed := arbiter.ApplyDecline(o, now)
	return &arbiter.Outcome{Request: r.Clone(), Offer: o.Clone(), Changed: changed}, nil
}

// CancelRequest cancels the request on behalf of actorID.
func (m *Store) CancelRequest(_ context.Context, requestID id.RequestID, actorID string, now time.Time) (*arbiter.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := requestID.String()
	r, ok := m.requests[key]
	if !ok {
		return nil, dispatch.ErrRequestNotFound
	}
	reason, err := arbiter.CancelReasonFor(r, actorID)
	if err != nil {
		return nil, err
	}
	done, err := arbiter.CheckCancel(r)
	if err != nil {
		return nil, err
	}
	if done {
		return &arbiter.Outcome{Request: r.Clone()}, nil
	}

	superseded := arbiter.ApplyCancel(r, m.offers[key], actorID, reason, now)
	return &arbiter.Outcome{
		Request:    r.Clone(),
		Superseded: cloneOffers(superseded),
		Changed:    true,
	}, nil
}

// ──────────────────────────────────────────────────
// Availability Store
// ──────────────────────────────────────────────────

// UpsertAvailability creates or replaces a doer's entry.
func (m *Store) UpsertAvailability(_ context.Context, a *availability.Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.doers[a.DoerID] = a.Clone()
	return nil
}

// GetAvailability returns a doer's entry.
func (m *Store) GetAvailability(_ context.Context, doerID string) (*availability.Availability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.doers[doerID]
	if !ok {
		return nil, dispatch.ErrDoerNotFound
	}
	return a.Clone(), nil
}

// NearbyAvailability scans every entry and refines by haversine distance.
func (m *Store) NearbyAvailability(_ context.Context, q availability.Query) ([]availability.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	box := geo.BoundingBox(q.Center, q.RadiusKm)

	var result []availability.Candidate
	for _, a := range m.doers {
		if !a.Online || !a.LastHeartbeat.After(q.FreshSince) {
			continue
		}
		if !box.Contains(a.Location.Point) {
			continue
		}
		d := geo.DistanceKm(q.Center, a.Location.Point)
		if d > q.RadiusKm {
			continue
		}
		result = append(result, availability.Candidate{Availability: a.Clone(), DistanceKm: d})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].DistanceKm != result[j].DistanceKm {
			return result[i].DistanceKm < result[j].DistanceKm
		}
		return result[i].Availability.DoerID < result[j].Availability.DoerID
	})
	return result, nil
}

// PurgeStaleAvailability deletes entries whose last heartbeat is before
// the cutoff.
func (m *Store) PurgeStaleAvailability(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, a := range m.doers {
		if a.LastHeartbeat.Before(before) {
			delete(m.doers, k)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func findOffer(offers []*offer.Offer, doerID string) *offer.Offer {
	for _, o := range offers {
		if o.DoerID == doerID {
			return o
		}
	}
	return nil
}

func cloneOffers(offers []*offer.Offer) []*offer.Offer {
	if len(offers) == 0 {
		return nil
	}
	out := make([]*offer.Offer, len(offers))
	for i, o := range offers {
		out[i] = o.Clone()
	}
	return out
}

func applyPagination[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
