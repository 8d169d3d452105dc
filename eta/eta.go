// Package eta estimates a matched doer's arrival time from a straight-line
// distance and an assumed travel speed.
package eta

import (
	"math"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/geo"
)

// Estimate is the result of an arrival estimate.
type Estimate struct {
	// Minutes is the estimated travel time. It is zero when Available is
	// false.
	Minutes int `json:"minutes"`

	// DistanceKm is the straight-line distance to the target.
	DistanceKm float64 `json:"distance_km"`

	// Available is false when the doer's position is too old to trust.
	Available bool `json:"available"`
}

// MinutesPtr returns the minutes as a pointer, or nil when unavailable.
func (e Estimate) MinutesPtr() *int {
	if !e.Available {
		return nil
	}
	m := e.Minutes
	return &m
}

// Estimator turns a doer position into an arrival estimate.
type Estimator struct {
	speedKmh   float64
	floor      int
	ceiling    int
	staleAfter time.Duration
}

// New creates an Estimator from cfg.
func New(cfg dispatch.Config) *Estimator {
	return &Estimator{
		speedKmh:   cfg.AssumedSpeedKmh,
		floor:      cfg.ETAFloorMinutes,
		ceiling:    cfg.ETACeilingMinutes,
		staleAfter: cfg.LocationStaleAfter,
	}
}

// Estimate returns the arrival estimate of a doer at pos heading to target.
// The result never increases as the distance shrinks.
func (e *Estimator) Estimate(pos geo.Position, target geo.Point, now time.Time) Estimate {
	d := geo.DistanceKm(pos.Point, target)
	if e.staleAfter > 0 && !pos.SampledAt.IsZero() && pos.Age(now) > e.staleAfter {
		return Estimate{DistanceKm: d}
	}
	return Estimate{
		Minutes:    e.minutes(d),
		DistanceKm: d,
		Available:  true,
	}
}

func (e *Estimator) minutes(distanceKm float64) int {
	m := int(math.Ceil(distanceKm / e.speedKmh * 60))
	if m < e.floor {
		m = e.floor
	}
	if e.ceiling > 0 && m > e.ceiling {
		m = e.ceiling
	}
	return m
}
