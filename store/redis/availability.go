package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/geo"
)

// searchSlack widens the GEO query so that the haversine refinement, which
// uses a slightly different earth radius than Redis, never loses an edge
// candidate.
const searchSlack = 1.01

// UpsertAvailability creates or replaces a doer's entry. Offline doers are
// removed from the GEO set so they never show up in a search.
func (s *Store) UpsertAvailability(ctx context.Context, a *availability.Availability) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.doerKey(a.DoerID), availabilityToMap(a))
	if a.Online {
		pipe.GeoAdd(ctx, s.geoKey(), &goredis.GeoLocation{
			Name:      a.DoerID,
			Longitude: a.Location.Lng,
			Latitude:  a.Location.Lat,
		})
	} else {
		pipe.ZRem(ctx, s.geoKey(), a.DoerID)
	}
	pipe.ZAdd(ctx, s.heartbeatKey(), goredis.Z{
		Score:  float64(a.LastHeartbeat.UnixMilli()),
		Member: a.DoerID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch/redis: upsert availability: %w", err)
	}
	return nil
}

// GetAvailability returns a doer's entry.
func (s *Store) GetAvailability(ctx context.Context, doerID string) (*availability.Availability, error) {
	m, err := s.client.HGetAll(ctx, s.doerKey(doerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: get availability: %w", err)
	}
	if len(m) == 0 {
		return nil, dispatch.ErrDoerNotFound
	}
	return mapToAvailability(m)
}

// NearbyAvailability searches the GEO set and refines each hit against
// its Hash.
func (s *Store) NearbyAvailability(ctx context.Context, q availability.Query) ([]availability.Candidate, error) {
	hits, err := s.client.GeoSearch(ctx, s.geoKey(), &goredis.GeoSearchQuery{
		Longitude:  q.Center.Lng,
		Latitude:   q.Center.Lat,
		Radius:     q.RadiusKm * searchSlack,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: geo search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(hits))
	for i, doerID := range hits {
		cmds[i] = pipe.HGetAll(ctx, s.doerKey(doerID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("dispatch/redis: load availability: %w", err)
	}

	var result []availability.Candidate
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			s.logger.Debug("geo member without entry", "doer_id", hits[i])
			continue
		}
		a, err := mapToAvailability(m)
		if err != nil {
			return nil, err
		}
		if !a.Online || !a.LastHeartbeat.After(q.FreshSince) {
			continue
		}
		d := geo.DistanceKm(q.Center, a.Location.Point)
		if d > q.RadiusKm {
			continue
		}
		result = append(result, availability.Candidate{Availability: a, DistanceKm: d})
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
	stale, err := s.client.ZRangeByScore(ctx, s.heartbeatKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch/redis: scan stale availability: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(stale))
	keys := make([]string, len(stale))
	for i, doerID := range stale {
		members[i] = doerID
		keys[i] = s.doerKey(doerID)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.geoKey(), members...)
	pipe.ZRem(ctx, s.heartbeatKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("dispatch/redis: purge availability: %w", err)
	}
	return len(stale), nil
}

// ──────────────────────────────────────────────────
// Hash encoding
// ──────────────────────────────────────────────────

func availabilityToMap(a *availability.Availability) map[string]interface{} {
	categories, _ := json.Marshal(a.Categories) //nolint:errcheck // []string always marshals
	return map[string]interface{}{
		"doer_id":        a.DoerID,
		"is_online":      boolToStr(a.Online),
		"lat":            strconv.FormatFloat(a.Location.Lat, 'f', -1, 64),
		"lng":            strconv.FormatFloat(a.Location.Lng, 'f', -1, 64),
		"accuracy_m":     strconv.FormatFloat(a.Location.AccuracyM, 'f', -1, 64),
		"sampled_at":     a.Location.SampledAt.Format(time.RFC3339Nano),
		"radius_km":      strconv.FormatFloat(a.RadiusKm, 'f', -1, 64),
		"categories":     string(categories),
		"last_heartbeat": a.LastHeartbeat.Format(time.RFC3339Nano),
	}
}

func mapToAvailability(m map[string]string) (*availability.Availability, error) {
	lat, err := strconv.ParseFloat(m["lat"], 64)
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: parse lat of %s: %w", m["doer_id"], err)
	}
	lng, err := strconv.ParseFloat(m["lng"], 64)
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: parse lng of %s: %w", m["doer_id"], err)
	}

	accuracy, _ := strconv.ParseFloat(m["accuracy_m"], 64)            //nolint:errcheck // best-effort parse from trusted Redis data
	radius, _ := strconv.ParseFloat(m["radius_km"], 64)               //nolint:errcheck // best-effort parse from trusted Redis data
	sampledAt, _ := time.Parse(time.RFC3339Nano, m["sampled_at"])     //nolint:errcheck // best-effort parse from trusted Redis data
	heartbeat, _ := time.Parse(time.RFC3339Nano, m["last_heartbeat"]) //nolint:errcheck // best-effort parse from trusted Redis data

	var categories []string
	if v := m["categories"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &categories); err != nil {
			return nil, fmt.Errorf("dispatch/redis: parse categories of %s: %w", m["doer_id"], err)
		}
	}

	return &availability.Availability{
		DoerID: m["doer_id"],
		Online: m["is_online"] == "1",
		Location: geo.Position{
			Point:     geo.Point{Lat: lat, Lng: lng},
			AccuracyM: accuracy,
			SampledAt: sampledAt,
		},
		RadiusKm:      radius,
		Categories:    categories,
		LastHeartbeat: heartbeat,
	}, nil
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
