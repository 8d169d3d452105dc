package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/arbiter"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
)

// AcceptOffer resolves an accept attempt in one transaction. The request
// row lock serializes competing accepts; the conditional updates make a
// lost race roll back with no mutation even if the lock were bypassed.
func (s *Store) AcceptOffer(ctx context.Context, requestID id.RequestID, doerID string, now time.Time) (*arbiter.Outcome, error) {
	var out *arbiter.Outcome
	err := s.inTx(ctx, "accept offer", func(tx pgx.Tx) error {
		r, offers, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		o := findOffer(offers, doerID)
		if o == nil {
			return dispatch.ErrOfferNotFound
		}
		if err := arbiter.CheckAccept(r, o, now); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE dispatch_requests
			SET status = 'accepted', matched_doer_id = $2, matched_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'searching'`,
			requestID.String(), doerID, now,
		)
		if err != nil {
			return fmt.Errorf("dispatch/postgres: match request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return dispatch.ErrAlreadyMatched
		}

		tag, err = tx.Exec(ctx, `
			UPDATE dispatch_offers
			SET response = 'accepted', responded_at = $3, updated_at = $3
			WHERE request_id = $1 AND doer_id = $2
			  AND response = 'pending' AND response_deadline > $3`,
			requestID.String(), doerID, now,
		)
		if err != nil {
			return fmt.Errorf("dispatch/postgres: accept offer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return dispatch.ErrOfferExpired
		}

		if err := supersedeOffers(ctx, tx, requestID, doerID, now); err != nil {
			return err
		}

		out = &arbiter.Outcome{
			Request:    r,
			Offer:      o,
			Superseded: arbiter.ApplyAccept(r, o, offers, now),
			Changed:    true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeclineOffer marks the doer's pending offer declined.
func (s *Store) DeclineOffer(ctx context.Context, requestID id.RequestID, doerID string, now time.Time) (*arbiter.Outcome, error) {
	r, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE dispatch_offers
		SET response = 'declined', responded_at = $3, updated_at = $3
		WHERE request_id = $1 AND doer_id = $2 AND response = 'pending'
		RETURNING `+offerColumns,
		requestID.String(), doerID, now,
	)
	o, err := scanOffer(row)
	if err == nil {
		return &arbiter.Outcome{Request: r, Offer: o, Changed: true}, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("dispatch/postgres: decline offer: %w", err)
	}

	o, err = s.GetOffer(ctx, requestID, doerID)
	if err != nil {
		return nil, err
	}
	return &arbiter.Outcome{Request: r, Offer: o}, nil
}

// CancelRequest cancels the request on behalf of actorID in one
// transaction.
func (s *Store) CancelRequest(ctx context.Context, requestID id.RequestID, actorID string, now time.Time) (*arbiter.Outcome, error) {
	var out *arbiter.Outcome
	err := s.inTx(ctx, "cancel request", func(tx pgx.Tx) error {
		r, offers, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		reason, err := arbiter.CancelReasonFor(r, actorID)
		if err != nil {
			return err
		}
		done, err := arbiter.CheckCancel(r)
		if err != nil {
			return err
		}
		if done {
			out = &arbiter.Outcome{Request: r}
			return nil
		}

		from := r.Status
		superseded := arbiter.ApplyCancel(r, offers, actorID, reason, now)

		tag, err := tx.Exec(ctx, `
			UPDATE dispatch_requests
			SET status = 'cancelled', cancelled_by = $3, cancel_reason = $4,
			    released_doer_id = $5, matched_doer_id = '', eta_minutes = NULL, updated_at = $6
			WHERE id = $1 AND status = $2`,
			requestID.String(), string(from), actorID, string(reason), r.ReleasedDoerID, now,
		)
		if err != nil {
			return fmt.Errorf("dispatch/postgres: cancel request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: request left %s", dispatch.ErrInvalidTransition, from)
		}

		if err := supersedeOffers(ctx, tx, requestID, "", now); err != nil {
			return err
		}

		out = &arbiter.Outcome{Request: r, Superseded: superseded, Changed: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// supersedeOffers closes every pending offer of the request except the
// one addressed to skipDoer.
func supersedeOffers(ctx context.Context, tx pgx.Tx, requestID id.RequestID, skipDoer string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE dispatch_offers
		SET response = 'superseded', responded_at = $3, updated_at = $3
		WHERE request_id = $1 AND doer_id <> $2 AND response = 'pending'`,
		requestID.String(), skipDoer, now,
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: supersede offers: %w", err)
	}
	return nil
}

func findOffer(offers []*offer.Offer, doerID string) *offer.Offer {
	for _, o := range offers {
		if o.DoerID == doerID {
			return o
		}
	}
	return nil
}
