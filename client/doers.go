package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/broadcast"
	"github.com/taskhub/dispatch/dwp"
	"github.com/taskhub/dispatch/engine"
	"github.com/taskhub/dispatch/geo"
)

// errNoSampler is returned by StreamPositions without a location sampler.
var errNoSampler = errors.New("dispatch/client: no location sampler configured")

// Accept races to accept an offered request. Losing attempts return
// dispatch.ErrAlreadyMatched, ErrOfferExpired, ErrRequestCancelled or
// ErrOfferDeclined.
func (c *Client) Accept(ctx context.Context, requestID string) (*engine.Accepted, error) {
	var out engine.Accepted
	if err := c.call(ctx, dwp.MethodOfferAccept, dwp.RequestRef{RequestID: requestID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decline turns an offer down. Repeated declines are no-ops.
func (c *Client) Decline(ctx context.Context, requestID string) error {
	return c.call(ctx, dwp.MethodOfferDecline, dwp.RequestRef{RequestID: requestID}, nil)
}

// PendingOffers lists the doer's open offers, for example after a
// reconnect.
func (c *Client) PendingOffers(ctx context.Context) ([]broadcast.OfferPayload, error) {
	var out []broadcast.OfferPayload
	if err := c.call(ctx, dwp.MethodOfferPending, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat reports liveness, position and service filters. A zero
// hb.Location is filled from the location sampler when one is set.
func (c *Client) Heartbeat(ctx context.Context, hb dwp.HeartbeatRequest) (*availability.Availability, error) {
	if hb.Location == (geo.Position{}) && c.locations != nil {
		pos, err := c.locations.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("dispatch/client: heartbeat: %w", err)
		}
		hb.Location = pos
	}

	var out availability.Availability
	if err := c.call(ctx, dwp.MethodDoerHeartbeat, hb, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePosition streams one position fix. The result lists the matched
// requests whose arrival estimate it refreshed.
func (c *Client) UpdatePosition(ctx context.Context, pos geo.Position) ([]engine.Tracked, error) {
	var out dwp.PositionResponse
	if err := c.call(ctx, dwp.MethodDoerPosition, pos, &out); err != nil {
		return nil, err
	}
	return out.Tracked, nil
}

// GoOffline stops new offers for the doer.
func (c *Client) GoOffline(ctx context.Context) error {
	return c.call(ctx, dwp.MethodDoerOffline, nil, nil)
}

// StreamPositions forwards throttled fixes from the location sampler until
// ctx is done. Sampling failures and rejected updates are logged and the
// stream continues.
func (c *Client) StreamPositions(ctx context.Context) error {
	if c.locations == nil {
		return errNoSampler
	}
	sub := c.locations.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-sub.C():
			if !ok {
				return nil
			}
			if upd.Err != nil {
				c.logger.Warn("location unavailable", slog.String("error", upd.Err.Error()))
				continue
			}
			if _, err := c.UpdatePosition(ctx, upd.Position); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("position update failed", slog.String("error", err.Error()))
			}
		}
	}
}
