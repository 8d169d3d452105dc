// Package billing hands completed and post-match cancelled requests to the
// payment collaborator. It only describes what happened; escrow, capture
// and penalty rules live on the other side of the Requester.
package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskhub/dispatch/ext"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// Kind is what a charge request settles.
type Kind string

const (
	// KindCompletion settles finished work.
	KindCompletion Kind = "completion"
	// KindCancellation reports a cancel after a doer was matched.
	KindCancellation Kind = "cancellation"
)

// ChargeRequest is the message sent to the payment collaborator.
type ChargeRequest struct {
	Kind      Kind     `json:"kind"`
	RequestID string   `json:"request_id"`
	GiverID   string   `json:"giver_id"`
	DoerID    string   `json:"doer_id"`
	Category  string   `json:"category"`
	Amount    *float64 `json:"amount,omitempty"`

	// CancelReason attributes a cancellation to a participant.
	CancelReason string `json:"cancel_reason,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// DeduplicationID identifies the charge request for at-most-once
// consumers.
func (c ChargeRequest) DeduplicationID() string {
	return c.RequestID + ":" + string(c.Kind)
}

// Requester delivers charge requests.
type Requester interface {
	Request(ctx context.Context, c ChargeRequest) error
}

// RequesterFunc adapts a function to the Requester interface.
type RequesterFunc func(ctx context.Context, c ChargeRequest) error

// Request calls f(ctx, c).
func (f RequesterFunc) Request(ctx context.Context, c ChargeRequest) error { return f(ctx, c) }

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Extension)(nil)
	_ ext.RequestCompleted = (*Extension)(nil)
	_ ext.RequestCancelled = (*Extension)(nil)
)

// Extension turns lifecycle hooks into charge requests.
type Extension struct {
	requester Requester
	logger    *slog.Logger
}

// NewExtension creates a billing extension that sends to requester.
func NewExtension(requester Requester, logger *slog.Logger) *Extension {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extension{requester: requester, logger: logger}
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "billing" }

// OnRequestCompleted implements ext.RequestCompleted.
func (e *Extension) OnRequestCompleted(ctx context.Context, r *request.Request, _ time.Duration) error {
	at := r.UpdatedAt
	if r.CompletedAt != nil {
		at = *r.CompletedAt
	}
	return e.send(ctx, ChargeRequest{
		Kind:       KindCompletion,
		RequestID:  r.ID.String(),
		GiverID:    r.GiverID,
		DoerID:     r.MatchedDoerID,
		Category:   r.Category,
		Amount:     r.MaxBudget,
		OccurredAt: at,
	})
}

// OnRequestCancelled implements ext.RequestCancelled. Cancels before a
// match cost nothing and are skipped.
func (e *Extension) OnRequestCancelled(ctx context.Context, r *request.Request, _ []*offer.Offer) error {
	if r.ReleasedDoerID == "" {
		return nil
	}
	return e.send(ctx, ChargeRequest{
		Kind:         KindCancellation,
		RequestID:    r.ID.String(),
		GiverID:      r.GiverID,
		DoerID:       r.ReleasedDoerID,
		Category:     r.Category,
		Amount:       r.MaxBudget,
		CancelReason: string(r.CancelReason),
		OccurredAt:   r.UpdatedAt,
	})
}

func (e *Extension) send(ctx context.Context, c ChargeRequest) error {
	if err := e.requester.Request(ctx, c); err != nil {
		return err
	}
	e.logger.Debug("charge request sent",
		slog.String("kind", string(c.Kind)),
		slog.String("request_id", c.RequestID),
	)
	return nil
}
