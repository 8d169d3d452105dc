package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/geo"
)

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets how long an entry stays eligible without a heartbeat.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithPurgeInterval sets how often stale entries are deleted. Zero
// disables the purge loop.
func WithPurgeInterval(d time.Duration) Option {
	return func(r *Registry) { r.purgeInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry answers "who can take this request right now". It owns the
// heartbeat TTL and the background purge of stale entries.
type Registry struct {
	store         Store
	ttl           time.Duration
	purgeInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	cfg := dispatch.DefaultConfig()
	r := &Registry{
		store:         store,
		ttl:           cfg.HeartbeatTTL,
		purgeInterval: cfg.AvailabilityPurgeInterval,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the heartbeat TTL.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Heartbeat records a doer's liveness, position and service filters.
func (r *Registry) Heartbeat(ctx context.Context, hb Heartbeat) (*Availability, error) {
	if err := hb.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	pos := hb.Location
	if pos.SampledAt.IsZero() {
		pos.SampledAt = now
	}
	a := &Availability{
		DoerID:        hb.DoerID,
		Online:        hb.Online,
		Location:      pos,
		RadiusKm:      hb.RadiusKm,
		Categories:    append([]string(nil), hb.Categories...),
		LastHeartbeat: now,
	}
	if err := r.store.UpsertAvailability(ctx, a); err != nil {
		return nil, fmt.Errorf("dispatch/availability: heartbeat: %w", err)
	}
	return a, nil
}

// GoOffline marks a doer offline. Unknown doers are ignored.
func (r *Registry) GoOffline(ctx context.Context, doerID string) error {
	a, err := r.store.GetAvailability(ctx, doerID)
	if errors.Is(err, dispatch.ErrDoerNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch/availability: go offline: %w", err)
	}
	a.Online = false
	if err := r.store.UpsertAvailability(ctx, a); err != nil {
		return fmt.Errorf("dispatch/availability: go offline: %w", err)
	}
	return nil
}

// UpdateLocation records a new position for a known doer. The online flag
// is kept; the update counts as a heartbeat.
func (r *Registry) UpdateLocation(ctx context.Context, doerID string, pos geo.Position) (*Availability, error) {
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	a, err := r.store.GetAvailability(ctx, doerID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if pos.SampledAt.IsZero() {
		pos.SampledAt = now
	}
	a.Location = pos
	a.LastHeartbeat = now
	if err := r.store.UpsertAvailability(ctx, a); err != nil {
		return nil, fmt.Errorf("dispatch/availability: update location: %w", err)
	}
	return a, nil
}

// Get returns a doer's current entry.
func (r *Registry) Get(ctx context.Context, doerID string) (*Availability, error) {
	return r.store.GetAvailability(ctx, doerID)
}

// CandidateQuery describes the doers a request may be offered to.
type CandidateQuery struct {
	Target   geo.Point
	RadiusKm float64
	Category string

	// Limit caps the result. Zero means no cap.
	Limit int

	// Exclude lists doers that must not be returned.
	Exclude map[string]struct{}
}

// Candidates returns eligible doers for q, nearest first.
func (r *Registry) Candidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	now := r.now()
	found, err := r.store.NearbyAvailability(ctx, Query{
		Center:     q.Target,
		RadiusKm:   q.RadiusKm,
		FreshSince: now.Add(-r.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch/availability: candidates: %w", err)
	}

	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		a := c.Availability
		if _, skip := q.Exclude[a.DoerID]; skip {
			continue
		}
		if !a.Eligible(now, r.ttl) || !a.Serves(q.Category) {
			continue
		}
		if c.DistanceKm > q.RadiusKm || !a.Reaches(c.DistanceKm) {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Availability.DoerID < out[j].Availability.DoerID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Start launches the purge loop.
func (r *Registry) Start(_ context.Context) error {
	if r.purgeInterval <= 0 {
		return nil
	}
	r.wg.Add(1)
	go r.purgeLoop()
	r.logger.Info("availability registry started",
		slog.Duration("ttl", r.ttl),
		slog.Duration("purge_interval", r.purgeInterval),
	)
	return nil
}

// Stop stops the purge loop and waits for it to exit.
func (r *Registry) Stop(_ context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	return nil
}

func (r *Registry) purgeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Purge(context.Background())
		}
	}
}

// Purge deletes entries whose heartbeat is older than the TTL.
func (r *Registry) Purge(ctx context.Context) int {
	n, err := r.store.PurgeStaleAvailability(ctx, r.now().Add(-r.ttl))
	if err != nil {
		r.logger.Warn("availability purge error", slog.String("error", err.Error()))
		return 0
	}
	if n > 0 {
		r.logger.Debug("purged stale availability", slog.Int("count", n))
	}
	return n
}
