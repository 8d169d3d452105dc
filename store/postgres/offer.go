package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
)

const offerColumns = `
	id, request_id, doer_id, distance_km, wave, notified_at,
	response_deadline, response, responded_at, created_at, updated_at`

// CreateOffers persists a batch of pending offers in one transaction, under
// the request row lock, only while the request is searching at wave.
func (s *Store) CreateOffers(ctx context.Context, requestID id.RequestID, wave int, offers []*offer.Offer) error {
	return s.inTx(ctx, "create offers", func(tx pgx.Tx) error {
		var (
			status  string
			current int
		)
		err := tx.QueryRow(ctx,
			`SELECT status, wave FROM dispatch_requests WHERE id = $1 FOR UPDATE`,
			requestID.String(),
		).Scan(&status, &current)
		if err != nil {
			if isNoRows(err) {
				return dispatch.ErrRequestNotFound
			}
			return fmt.Errorf("dispatch/postgres: lock request: %w", err)
		}
		if status != "searching" || current != wave {
			return fmt.Errorf("%w: request is %s at wave %d, not searching at wave %d",
				dispatch.ErrInvalidTransition, status, current, wave)
		}
		if len(offers) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, o := range offers {
			batch.Queue(`
				INSERT INTO dispatch_offers (`+offerColumns+`
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				o.ID.String(), requestID.String(), o.DoerID, o.DistanceKm, o.Wave, o.NotifiedAt,
				o.ResponseDeadline, string(o.Response), o.RespondedAt, o.CreatedAt, o.UpdatedAt,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for range offers {
			if _, err := br.Exec(); err != nil {
				br.Close()
				if isDuplicateKey(err) {
					return fmt.Errorf("dispatch/postgres: duplicate offer: %w", err)
				}
				return fmt.Errorf("dispatch/postgres: create offer: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("dispatch/postgres: create offers: %w", err)
		}
		return nil
	})
}

// GetOffer returns the offer addressed to doerID for the request.
func (s *Store) GetOffer(ctx context.Context, requestID id.RequestID, doerID string) (*offer.Offer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+offerColumns+` FROM dispatch_offers
		WHERE request_id = $1 AND doer_id = $2`,
		requestID.String(), doerID,
	)
	o, err := scanOffer(row)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrOfferNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get offer: %w", err)
	}
	return o, nil
}

// ListOffers returns every offer of a request ordered by distance.
func (s *Store) ListOffers(ctx context.Context, requestID id.RequestID) ([]*offer.Offer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+offerColumns+` FROM dispatch_offers
		WHERE request_id = $1
		ORDER BY distance_km ASC`,
		requestID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list offers: %w", err)
	}
	defer rows.Close()

	return collectOffers(rows)
}

// ListPendingByDoer returns the doer's open offers.
func (s *Store) ListPendingByDoer(ctx context.Context, doerID string) ([]*offer.Offer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+offerColumns+` FROM dispatch_offers
		WHERE doer_id = $1 AND response = 'pending'
		ORDER BY response_deadline ASC`,
		doerID,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list pending offers: %w", err)
	}
	defer rows.Close()

	return collectOffers(rows)
}

// TimeoutOffers times out every pending offer whose deadline passed.
func (s *Store) TimeoutOffers(ctx context.Context, now time.Time) ([]*offer.Offer, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE dispatch_offers
		SET response = 'timed_out', responded_at = $1, updated_at = $1
		WHERE response = 'pending' AND response_deadline <= $1
		RETURNING `+offerColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: time out offers: %w", err)
	}
	defer rows.Close()

	return collectOffers(rows)
}

func scanOffer(row pgx.Row) (*offer.Offer, error) {
	var (
		o        offer.Offer
		idStr    string
		reqStr   string
		response string
	)
	err := row.Scan(
		&idStr, &reqStr, &o.DoerID, &o.DistanceKm, &o.Wave, &o.NotifiedAt,
		&o.ResponseDeadline, &response, &o.RespondedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseOfferID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("dispatch/postgres: parse offer id %q: %w", idStr, parseErr)
	}
	o.ID = parsedID

	parsedReq, parseErr := id.ParseRequestID(reqStr)
	if parseErr != nil {
		return nil, fmt.Errorf("dispatch/postgres: parse request id %q: %w", reqStr, parseErr)
	}
	o.RequestID = parsedReq
	o.Response = offer.Response(response)

	return &o, nil
}

// collectOffers collects all offers from query rows.
func collectOffers(rows pgx.Rows) ([]*offer.Offer, error) {
	var offers []*offer.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan offer row: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate offer rows: %w", err)
	}
	return offers, nil
}
