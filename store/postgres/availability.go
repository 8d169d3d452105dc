package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/geo"
)

const availabilityColumns = `
	doer_id, is_online, lat, lng, accuracy_m, sampled_at,
	radius_km, categories, last_heartbeat`

// UpsertAvailability creates or replaces a doer's entry.
func (s *Store) UpsertAvailability(ctx context.Context, a *availability.Availability) error {
	categories := a.Categories
	if categories == nil {
		categories = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_availability (`+availabilityColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (doer_id) DO UPDATE SET
			is_online = EXCLUDED.is_online,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			accuracy_m = EXCLUDED.accuracy_m,
			sampled_at = EXCLUDED.sampled_at,
			radius_km = EXCLUDED.radius_km,
			categories = EXCLUDED.categories,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		a.DoerID, a.Online, a.Location.Lat, a.Location.Lng, a.Location.AccuracyM, a.Location.SampledAt,
		a.RadiusKm, categories, a.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: upsert availability: %w", err)
	}
	return nil
}

// GetAvailability returns a doer's entry.
func (s *Store) GetAvailability(ctx context.Context, doerID string) (*availability.Availability, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+availabilityColumns+` FROM dispatch_availability WHERE doer_id = $1`, doerID)
	a, err := scanAvailability(row)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrDoerNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get availability: %w", err)
	}
	return a, nil
}

// NearbyAvailability prefilters with a bounding box in SQL and refines
// by haversine distance.
func (s *Store) NearbyAvailability(ctx context.Context, q availability.Query) ([]availability.Candidate, error) {
	box := geo.BoundingBox(q.Center, q.RadiusKm)

	rows, err := s.pool.Query(ctx, `
		SELECT `+availabilityColumns+` FROM dispatch_availability
		WHERE is_online = TRUE
		  AND last_heartbeat > $1
		  AND lat BETWEEN $2 AND $3
		  AND lng BETWEEN $4 AND $5`,
		q.FreshSince, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: nearby availability: %w", err)
	}
	defer rows.Close()

	var result []availability.Candidate
	for rows.Next() {
		a, err := scanAvailability(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan availability row: %w", err)
		}
		d := geo.DistanceKm(q.Center, a.Location.Point)
		if d > q.RadiusKm {
			continue
		}
		result = append(result, availability.Candidate{Availability: a, DistanceKm: d})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate availability rows: %w", err)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].DistanceKm != result[j].DistanceKm {
			return result[i].DistanceKm < result[j].DistanceKm
		}
		return result[i].Availability.DoerID < result[j].Availability.DoerID
	})
	return result, nil
}

// PurgeStaleAvailability deletes entries whose last heartbeat is before
// the cutoff.
func (s *Store) PurgeStaleAvailability(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dispatch_availability WHERE last_heartbeat < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("dispatch/postgres: purge availability: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanAvailability(row pgx.Row) (*availability.Availability, error) {
	var a availability.Availability
	err := row.Scan(
		&a.DoerID, &a.Online, &a.Location.Lat, &a.Location.Lng, &a.Location.AccuracyM, &a.Location.SampledAt,
		&a.RadiusKm, &a.Categories, &a.LastHeartbeat,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
