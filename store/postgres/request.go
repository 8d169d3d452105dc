package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

const requestColumns = `
	id, giver_id, title, description, category, target_lat, target_lng,
	address, max_budget, urgency, radius_km, status, expires_at,
	matched_doer_id, eta_minutes, wave, cancelled_by, cancel_reason,
	released_doer_id, matched_at, completed_at, created_at, updated_at`

// CreateRequest persists a new request.
func (s *Store) CreateRequest(ctx context.Context, r *request.Request) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_requests (`+requestColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23
		)`,
		r.ID.String(), r.GiverID, r.Title, r.Description, r.Category, r.Target.Lat, r.Target.Lng,
		r.Address, r.MaxBudget, string(r.Urgency), r.RadiusKm, string(r.Status), r.ExpiresAt,
		r.MatchedDoerID, r.EstimatedArrivalMinutes, r.Wave, r.CancelledBy, string(r.CancelReason),
		r.ReleasedDoerID, r.MatchedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("dispatch/postgres: request %s already exists: %w", r.ID, err)
		}
		return fmt.Errorf("dispatch/postgres: create request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM dispatch_requests WHERE id = $1`, requestID.String())
	r, err := scanRequest(row)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrRequestNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get request: %w", err)
	}
	return r, nil
}

// ListRequestsByGiver returns a giver's requests, newest first.
func (s *Store) ListRequestsByGiver(ctx context.Context, giverID string, opts request.ListOpts) ([]*request.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM dispatch_requests WHERE giver_id = $1`
	args := []any{giverID}
	argIdx := 2

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// FindActiveByDoer returns the matched, non-terminal requests of a doer.
func (s *Store) FindActiveByDoer(ctx context.Context, doerID string) ([]*request.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM dispatch_requests
		WHERE matched_doer_id = $1 AND status IN ('accepted', 'arriving', 'in_progress')
		ORDER BY created_at ASC`,
		doerID,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: find active requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// ListSearching returns every request still in searching state.
func (s *Store) ListSearching(ctx context.Context) ([]*request.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM dispatch_requests
		WHERE status = 'searching'
		ORDER BY expires_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list searching requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// TransitionRequest moves a request from → to if it is still in from.
func (s *Store) TransitionRequest(ctx context.Context, requestID id.RequestID, from, to request.Status, now time.Time) (*request.Request, error) {
	if to == request.StatusAccepted || to == request.StatusCancelled {
		return nil, fmt.Errorf("%w: %s → %s goes through the arbiter", dispatch.ErrInvalidTransition, from, to)
	}
	if err := request.Transition(from, to); err != nil {
		return nil, err
	}

	var out *request.Request
	err := s.inTx(ctx, "transition request", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE dispatch_requests
			SET status = $3, updated_at = $4,
			    completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END
			WHERE id = $1 AND status = $2
			RETURNING `+requestColumns,
			requestID.String(), string(from), string(to), now,
		)
		r, err := scanRequest(row)
		if err != nil {
			if isNoRows(err) {
				return s.transitionMiss(ctx, tx, requestID, from)
			}
			return fmt.Errorf("dispatch/postgres: transition request: %w", err)
		}

		if to.Terminal() {
			if _, err := tx.Exec(ctx, `
				UPDATE dispatch_offers
				SET response = 'timed_out', responded_at = $2, updated_at = $2
				WHERE request_id = $1 AND response = 'pending'`,
				requestID.String(), now,
			); err != nil {
				return fmt.Errorf("dispatch/postgres: close offers: %w", err)
			}
		}
		out = r
		return nil
	})
	return out, err
}

// transitionMiss explains why a conditional update matched no row.
func (s *Store) transitionMiss(ctx context.Context, tx pgx.Tx, requestID id.RequestID, from request.Status) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM dispatch_requests WHERE id = $1`, requestID.String()).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return dispatch.ErrRequestNotFound
		}
		return fmt.Errorf("dispatch/postgres: read request status: %w", err)
	}
	return fmt.Errorf("%w: request is %s, not %s", dispatch.ErrInvalidTransition, status, from)
}

// AdvanceWave bumps the broadcast wave of a searching request.
func (s *Store) AdvanceWave(ctx context.Context, requestID id.RequestID, fromWave int) (*request.Request, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE dispatch_requests
		SET wave = wave + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'searching' AND wave = $2
		RETURNING `+requestColumns,
		requestID.String(), fromWave,
	)
	r, err := scanRequest(row)
	if err != nil {
		if isNoRows(err) {
			if _, getErr := s.GetRequest(ctx, requestID); getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("%w: request left wave %d", dispatch.ErrInvalidTransition, fromWave)
		}
		return nil, fmt.Errorf("dispatch/postgres: advance wave: %w", err)
	}
	return r, nil
}

// SetETA records the arrival estimate of a request doerID is on the way to.
func (s *Store) SetETA(ctx context.Context, requestID id.RequestID, doerID string, minutes *int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_requests SET eta_minutes = $3, updated_at = NOW()
		WHERE id = $1 AND matched_doer_id = $2 AND matched_doer_id <> ''
		  AND status IN ('accepted', 'arriving')`,
		requestID.String(), doerID, minutes,
	)
	if err != nil {
		return false, fmt.Errorf("dispatch/postgres: set eta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRequest(ctx, requestID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ExpireRequests expires every searching request whose deadline passed
// and times out their pending offers in the same transaction.
func (s *Store) ExpireRequests(ctx context.Context, now time.Time) ([]*request.Request, []*offer.Offer, error) {
	var (
		out    []*request.Request
		closed []*offer.Offer
	)
	err := s.inTx(ctx, "expire requests", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE dispatch_requests
			SET status = 'expired', updated_at = $1
			WHERE status = 'searching' AND expires_at <= $1
			RETURNING `+requestColumns,
			now,
		)
		if err != nil {
			return fmt.Errorf("dispatch/postgres: expire requests: %w", err)
		}
		expired, err := collectRequests(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]string, len(expired))
		for i, r := range expired {
			ids[i] = r.ID.String()
		}
		offerRows, err := tx.Query(ctx, `
			UPDATE dispatch_offers
			SET response = 'timed_out', responded_at = $2, updated_at = $2
			WHERE request_id = ANY($1) AND response = 'pending'
			RETURNING `+offerColumns,
			ids, now,
		)
		if err != nil {
			return fmt.Errorf("dispatch/postgres: time out offers of expired requests: %w", err)
		}
		timedOut, err := collectOffers(offerRows)
		offerRows.Close()
		if err != nil {
			return err
		}
		out, closed = expired, timedOut
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, closed, nil
}

// lockRequest reads a request and its offers under a row lock.
func lockRequest(ctx context.Context, tx pgx.Tx, requestID id.RequestID) (*request.Request, []*offer.Offer, error) {
	r, err := scanRequest(tx.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM dispatch_requests WHERE id = $1 FOR UPDATE`,
		requestID.String(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil, dispatch.ErrRequestNotFound
		}
		return nil, nil, fmt.Errorf("dispatch/postgres: lock request: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+offerColumns+` FROM dispatch_offers WHERE request_id = $1 ORDER BY distance_km ASC FOR UPDATE`,
		requestID.String(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch/postgres: lock offers: %w", err)
	}
	defer rows.Close()

	offers, err := collectOffers(rows)
	if err != nil {
		return nil, nil, err
	}
	return r, offers, nil
}

func scanRequest(row pgx.Row) (*request.Request, error) {
	var (
		r         request.Request
		idStr     string
		urgency   string
		status    string
		reason    string
		etaMinute *int32
	)
	err := row.Scan(
		&idStr, &r.GiverID, &r.Title, &r.Description, &r.Category, &r.Target.Lat, &r.Target.Lng,
		&r.Address, &r.MaxBudget, &urgency, &r.RadiusKm, &status, &r.ExpiresAt,
		&r.MatchedDoerID, &etaMinute, &r.Wave, &r.CancelledBy, &reason,
		&r.ReleasedDoerID, &r.MatchedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseRequestID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("dispatch/postgres: parse request id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID
	r.Urgency = request.Urgency(urgency)
	r.Status = request.Status(status)
	r.CancelReason = request.CancelReason(reason)
	if etaMinute != nil {
		v := int(*etaMinute)
		r.EstimatedArrivalMinutes = &v
	}
	return &r, nil
}

// collectRequests collects all requests from query rows.
func collectRequests(rows pgx.Rows) ([]*request.Request, error) {
	var requests []*request.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan request row: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate request rows: %w", err)
	}
	return requests, nil
}
