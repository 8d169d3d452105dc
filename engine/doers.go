package engine

import (
	"context"
	"log/slog"

	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/eta"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/request"
)

// Tracked is an active request whose arrival estimate was refreshed by a
// doer position.
type Tracked struct {
	Request  *request.Request `json:"request"`
	Estimate eta.Estimate     `json:"estimate"`
}

// Heartbeat records a doer's liveness, position and service filters. A
// doer that is on the way to a matched request also refreshes that
// request's arrival estimate.
func (e *Engine) Heartbeat(ctx context.Context, hb availability.Heartbeat) (*availability.Availability, error) {
	a, err := e.registry.Heartbeat(ctx, hb)
	if err != nil {
		return nil, err
	}
	if _, err := e.track(ctx, a.DoerID, a.Location); err != nil {
		e.logger.Warn("failed to refresh arrival estimates",
			slog.String("doer_id", a.DoerID),
			slog.String("error", err.Error()),
		)
	}
	return a, nil
}

// GoOffline marks a doer offline. The doer stops receiving offers at once;
// open offers keep their own deadlines.
func (e *Engine) GoOffline(ctx context.Context, doerID string) error {
	return e.registry.GoOffline(ctx, doerID)
}

// UpdatePosition records a streamed doer position. For every request the
// doer is matched to and not yet working on, the arrival estimate is
// recomputed, stored and published as a position update.
func (e *Engine) UpdatePosition(ctx context.Context, doerID string, pos geo.Position) ([]Tracked, error) {
	a, err := e.registry.UpdateLocation(ctx, doerID, pos)
	if err != nil {
		return nil, err
	}
	return e.track(ctx, doerID, a.Location)
}

func (e *Engine) track(ctx context.Context, doerID string, pos geo.Position) ([]Tracked, error) {
	active, err := e.store.FindActiveByDoer(ctx, doerID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var out []Tracked
	for _, r := range active {
		if !r.Status.Travelling() {
			continue
		}
		est := e.estimator.Estimate(pos, r.Target, now)
		minutes := est.MinutesPtr()
		applied, err := e.store.SetETA(ctx, r.ID, doerID, minutes)
		if err != nil {
			e.logger.Warn("failed to store arrival estimate",
				slog.String("request_id", r.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !applied {
			// Cancelled, started or rematched since it was listed.
			continue
		}
		r.EstimatedArrivalMinutes = minutes
		e.extensions.EmitDoerPositionUpdated(ctx, r, pos, est)
		out = append(out, Tracked{Request: r, Estimate: est})
	}
	return out, nil
}
