package client

import (
	"context"
	"fmt"

	"github.com/taskhub/dispatch/dwp"
	"github.com/taskhub/dispatch/stream"
)

// Events returns every event the connection receives: the caller's own
// doer or giver topic, which the server subscribes on connect, plus any
// topic added with Subscribe. The channel is closed by Close.
func (c *Client) Events() <-chan *stream.Event { return c.events }

// Subscribe adds a topic to the connection. Topics follow the dispatch
// stream convention:
//   - "doer:<doerID>"        offers and matches for one doer
//   - "giver:<giverID>"      events for one giver's requests
//   - "request:<requestID>"  events about one request, for its participants
//   - "requests"             every request event (operators)
//   - "firehose"             everything (operators)
func (c *Client) Subscribe(ctx context.Context, channel string) error {
	if _, err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{Channel: channel}); err != nil {
		return fmt.Errorf("subscribe to %q: %w", channel, err)
	}
	c.subs.Store(channel, struct{}{})
	return nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.subs.Delete(channel)
	_, err := c.request(ctx, dwp.MethodUnsubscribe, dwp.UnsubscribeRequest{Channel: channel})
	return err
}

// AddCredits grants the server permission to send n more events.
func (c *Client) AddCredits(n int) error {
	return c.writeFrame(&dwp.Frame{
		ID:      dwp.GenerateFrameID(),
		Type:    dwp.FrameRequest,
		Credits: n,
	})
}

// EventOfType matches events of any of the given types.
func EventOfType(types ...stream.EventType) func(*stream.Event) bool {
	return func(evt *stream.Event) bool {
		for _, t := range types {
			if evt.Type == t {
				return true
			}
		}
		return false
	}
}

// WaitFor consumes Events until match returns true. Events that do not
// match are discarded.
func (c *Client) WaitFor(ctx context.Context, match func(*stream.Event) bool) (*stream.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-c.events:
			if !ok {
				return nil, fmt.Errorf("dispatch/client: %w", errClosed)
			}
			if match(evt) {
				return evt, nil
			}
		}
	}
}

// Stats retrieves broker and connection statistics from the server.
func (c *Client) Stats(ctx context.Context) (*dwp.StatsResponse, error) {
	var out dwp.StatsResponse
	if err := c.call(ctx, dwp.MethodStats, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
