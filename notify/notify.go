// Package notify defines the unit of realtime delivery to a single
// participant and the Sender contract transports implement.
package notify

import (
	"context"
	"time"

	"github.com/taskhub/dispatch/id"
)

// Kind names what a notification announces. Kinds share their string
// values with stream event types.
type Kind string

const (
	KindOfferCreated        Kind = "offer.created"
	KindOfferClosed         Kind = "offer.closed"
	KindRequestMatched      Kind = "request.matched"
	KindRequestExpired      Kind = "request.expired"
	KindRequestNoMatch      Kind = "request.no_match"
	KindRequestCancelled    Kind = "request.cancelled"
	KindDoerPositionUpdated Kind = "doer.position_updated"
)

// Notification is addressed to one recipient about one request.
type Notification struct {
	ID        id.ID        `json:"id"`
	Kind      Kind         `json:"kind"`
	Recipient string       `json:"recipient"`
	RequestID id.RequestID `json:"request_id"`
	Payload   any          `json:"payload"`

	// Attempt is the 1-based delivery attempt, set by the deliverer.
	Attempt int `json:"attempt"`

	// Timeout bounds a single delivery attempt. Zero means no bound.
	Timeout time.Duration `json:"-"`
}

// New creates a notification with a fresh ID.
func New(kind Kind, recipient string, requestID id.RequestID, payload any) *Notification {
	return &Notification{
		ID:        id.NewNotificationID(),
		Kind:      kind,
		Recipient: recipient,
		RequestID: requestID,
		Payload:   payload,
	}
}

// Sender pushes a notification to its recipient. Transient transport
// failures wrap dispatch.ErrNetwork so the deliverer can retry them.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, n *Notification) error

// Send calls f(ctx, n).
func (f SenderFunc) Send(ctx context.Context, n *Notification) error { return f(ctx, n) }
