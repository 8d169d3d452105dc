// Package broadcast selects nearby doers for a searching request and sends
// each of them a time-boxed offer.
//
// A request gets an initial wave and at most Config.MaxExpansions
// expansion waves. An expansion wave widens the radius by
// Config.ExpansionFactor (capped at Config.MaxRadiusKm) and skips doers
// that were already offered. A request with nobody left to ask ends in
// no_match.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/delivery"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/notify"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// Store is the persistence the broadcaster needs.
type Store interface {
	GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error)
	TransitionRequest(ctx context.Context, requestID id.RequestID, from, to request.Status, now time.Time) (*request.Request, error)
	AdvanceWave(ctx context.Context, requestID id.RequestID, fromWave int) (*request.Request, error)
	CreateOffers(ctx context.Context, requestID id.RequestID, wave int, offers []*offer.Offer) error
	ListOffers(ctx context.Context, requestID id.RequestID) ([]*offer.Offer, error)
}

// Candidates finds eligible doers. *availability.Registry implements it.
type Candidates interface {
	Candidates(ctx context.Context, q availability.CandidateQuery) ([]availability.Candidate, error)
}

// OfferPayload is what a doer receives with an offer.created
// notification: the offer plus the request summary needed to decide.
type OfferPayload struct {
	OfferID          string    `json:"offer_id"`
	RequestID        string    `json:"request_id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Category         string    `json:"category"`
	Target           geo.Point `json:"target"`
	Address          string    `json:"address,omitempty"`
	MaxBudget        *float64  `json:"max_budget,omitempty"`
	Urgency          string    `json:"urgency_level"`
	DistanceKm       float64   `json:"distance_km"`
	ResponseDeadline time.Time `json:"response_deadline"`
	Wave             int       `json:"wave"`
}

// NewOfferPayload builds the payload of o for r.
func NewOfferPayload(r *request.Request, o *offer.Offer) OfferPayload {
	return OfferPayload{
		OfferID:          o.ID.String(),
		RequestID:        r.ID.String(),
		Title:            r.Title,
		Description:      r.Description,
		Category:         r.Category,
		Target:           r.Target,
		Address:          r.Address,
		MaxBudget:        r.MaxBudget,
		Urgency:          string(r.Urgency),
		DistanceKm:       o.DistanceKm,
		ResponseDeadline: o.ResponseDeadline,
		Wave:             o.Wave,
	}
}

// Result reports what a broadcast call did.
type Result struct {
	// Request is the request state after the call.
	Request *request.Request

	// Offers are the offers created by this call.
	Offers []*offer.Offer

	// NoMatch is true when the call moved the request to no_match.
	NoMatch bool

	// Delivery counts the offer notifications sent and dropped.
	Delivery delivery.Result
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithConfig sets the matching tunables.
func WithConfig(cfg dispatch.Config) Option {
	return func(b *Broadcaster) { b.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// Broadcaster creates offers and delivers them.
type Broadcaster struct {
	store      Store
	candidates Candidates
	deliverer  *delivery.Deliverer
	cfg        dispatch.Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Broadcaster.
func New(store Store, candidates Candidates, deliverer *delivery.Deliverer, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		store:      store,
		candidates: candidates,
		deliverer:  deliverer,
		cfg:        dispatch.DefaultConfig(),
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RadiusForWave returns the search radius of a wave: the requested radius
// widened by ExpansionFactor per expansion, capped at MaxRadiusKm.
func (b *Broadcaster) RadiusForWave(r *request.Request, wave int) float64 {
	radius := r.RadiusKm
	if wave > 0 {
		radius *= math.Pow(b.cfg.ExpansionFactor, float64(wave))
	}
	if b.cfg.MaxRadiusKm > 0 && radius > b.cfg.MaxRadiusKm {
		radius = b.cfg.MaxRadiusKm
	}
	return radius
}

// Broadcast sends the initial wave of a freshly created request. An empty
// candidate set moves the request to no_match without sending anything.
func (b *Broadcaster) Broadcast(ctx context.Context, r *request.Request) (*Result, error) {
	if r.Status != request.StatusSearching {
		return nil, fmt.Errorf("%w: cannot broadcast a %s request", dispatch.ErrInvalidTransition, r.Status)
	}

	found, err := b.candidates.Candidates(ctx, availability.CandidateQuery{
		Target:   r.Target,
		RadiusKm: b.RadiusForWave(r, r.Wave),
		Category: r.Category,
		Limit:    b.cfg.MaxFanout,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch/broadcast: %w", err)
	}
	if len(found) == 0 {
		return b.noMatch(ctx, r, "no candidates")
	}
	return b.send(ctx, r, found)
}

// Expand decides what happens to a searching request once its current wave
// is exhausted. It does nothing while an offer is still pending, once the
// request left searching, or after expires_at (expiry wins). Otherwise it
// either sends the next wave or moves the request to no_match.
func (b *Broadcaster) Expand(ctx context.Context, requestID id.RequestID) (*Result, error) {
	r, err := b.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != request.StatusSearching || !b.now().Before(r.ExpiresAt) {
		return &Result{Request: r}, nil
	}

	offers, err := b.store.ListOffers(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("dispatch/broadcast: list offers: %w", err)
	}
	offered := make(map[string]struct{}, len(offers))
	for _, o := range offers {
		if o.Response == offer.ResponsePending {
			return &Result{Request: r}, nil
		}
		offered[o.DoerID] = struct{}{}
	}

	if r.Wave >= b.cfg.MaxExpansions {
		return b.noMatch(ctx, r, "waves exhausted")
	}

	radius := b.RadiusForWave(r, r.Wave+1)
	found, err := b.candidates.Candidates(ctx, availability.CandidateQuery{
		Target:   r.Target,
		RadiusKm: radius,
		Category: r.Category,
		Limit:    b.cfg.MaxFanout,
		Exclude:  offered,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch/broadcast: %w", err)
	}
	if len(found) == 0 {
		return b.noMatch(ctx, r, "no new candidates")
	}

	next, err := b.store.AdvanceWave(ctx, requestID, r.Wave)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidTransition) {
			// Another caller advanced or resolved the request first.
			return b.current(ctx, requestID)
		}
		return nil, fmt.Errorf("dispatch/broadcast: advance wave: %w", err)
	}

	b.logger.Info("expanding search",
		slog.String("request_id", requestID.String()),
		slog.Int("wave", next.Wave),
		slog.Float64("radius_km", radius),
	)
	return b.send(ctx, next, found)
}

func (b *Broadcaster) send(ctx context.Context, r *request.Request, found []availability.Candidate) (*Result, error) {
	now := b.now()
	offers := make([]*offer.Offer, len(found))
	for i, c := range found {
		offers[i] = offer.New(r.ID, c.Availability.DoerID, c.DistanceKm, r.Wave, now, b.cfg.OfferTTL)
	}
	if err := b.store.CreateOffers(ctx, r.ID, r.Wave, offers); err != nil {
		if errors.Is(err, dispatch.ErrInvalidTransition) {
			// Cancelled, expired or moved on since the wave was chosen:
			// nothing was stored and nobody is notified.
			b.logger.Debug("wave dropped",
				slog.String("request_id", r.ID.String()),
				slog.Int("wave", r.Wave),
				slog.String("reason", err.Error()),
			)
			return b.current(ctx, r.ID)
		}
		return nil, fmt.Errorf("dispatch/broadcast: create offers: %w", err)
	}

	ns := make([]*notify.Notification, len(offers))
	for i, o := range offers {
		ns[i] = notify.New(notify.KindOfferCreated, o.DoerID, r.ID, NewOfferPayload(r, o))
	}
	res := b.deliverer.Fanout(ctx, ns)

	b.logger.Info("request broadcast",
		slog.String("request_id", r.ID.String()),
		slog.Int("wave", r.Wave),
		slog.Int("offers", len(offers)),
		slog.Int("delivered", res.Delivered),
		slog.Int("failed", res.Failed),
	)
	return &Result{Request: r, Offers: offers, Delivery: res}, nil
}

func (b *Broadcaster) noMatch(ctx context.Context, r *request.Request, why string) (*Result, error) {
	updated, err := b.store.TransitionRequest(ctx, r.ID, request.StatusSearching, request.StatusNoMatch, b.now())
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidTransition) {
			return b.current(ctx, r.ID)
		}
		return nil, fmt.Errorf("dispatch/broadcast: no match: %w", err)
	}
	b.logger.Info("request found no match",
		slog.String("request_id", r.ID.String()),
		slog.String("reason", why),
		slog.Int("wave", r.Wave),
	)
	return &Result{Request: updated, NoMatch: true}, nil
}

func (b *Broadcaster) current(ctx context.Context, requestID id.RequestID) (*Result, error) {
	r, err := b.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &Result{Request: r}, nil
}
