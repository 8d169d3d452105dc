package client

import (
	"context"
	"fmt"

	"github.com/taskhub/dispatch/dwp"
	"github.com/taskhub/dispatch/engine"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// CreateRequest asks the node to broadcast an instant request. When in has
// no location, the client's location sampler supplies the current fix; a
// client without a sampler, or whose sampler cannot take a fix, fails with
// dispatch.ErrLocationUnavailable.
func (c *Client) CreateRequest(ctx context.Context, in request.Input) (*engine.Created, error) {
	if in.Location == nil && c.locations != nil {
		pos, err := c.locations.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("dispatch/client: create request: %w", err)
		}
		in.Location = &pos.Point
	}

	var out engine.Created
	if err := c.call(ctx, dwp.MethodRequestCreate, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRequest retrieves a request the caller takes part in.
func (c *Client) GetRequest(ctx context.Context, requestID string) (*request.Request, error) {
	return c.requestCall(ctx, dwp.MethodRequestGet, requestID)
}

// ListRequests pages through the giver's own requests, newest first.
func (c *Client) ListRequests(ctx context.Context, opts dwp.RequestListRequest) ([]*request.Request, error) {
	var out []*request.Request
	if err := c.call(ctx, dwp.MethodRequestList, opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListOffers returns every offer of a giver's request.
func (c *Client) ListOffers(ctx context.Context, requestID string) ([]*offer.Offer, error) {
	var out []*offer.Offer
	if err := c.call(ctx, dwp.MethodRequestOffers, dwp.RequestRef{RequestID: requestID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel cancels a request. The giver may cancel before or after the
// match; the matched doer only after it.
func (c *Client) Cancel(ctx context.Context, requestID string) (*request.Request, error) {
	return c.requestCall(ctx, dwp.MethodRequestCancel, requestID)
}

// MarkArriving tells the giver the matched doer is on the way.
func (c *Client) MarkArriving(ctx context.Context, requestID string) (*request.Request, error) {
	return c.requestCall(ctx, dwp.MethodRequestArriving, requestID)
}

// StartWork marks the work as begun.
func (c *Client) StartWork(ctx context.Context, requestID string) (*request.Request, error) {
	return c.requestCall(ctx, dwp.MethodRequestStart, requestID)
}

// Complete marks the work as done.
func (c *Client) Complete(ctx context.Context, requestID string) (*request.Request, error) {
	return c.requestCall(ctx, dwp.MethodRequestComplete, requestID)
}

func (c *Client) requestCall(ctx context.Context, method, requestID string) (*request.Request, error) {
	var out request.Request
	if err := c.call(ctx, method, dwp.RequestRef{RequestID: requestID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
