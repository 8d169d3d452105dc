package dispatch

import (
	"fmt"
	"time"
)

// Config holds the tunables of the matching engine.
type Config struct {
	// OfferTTL is how long a Doer has to answer an offer.
	OfferTTL time.Duration

	// MaxFanout caps the number of Doers notified per broadcast wave.
	MaxFanout int

	// ExpansionFactor multiplies the search radius for the expansion wave.
	ExpansionFactor float64

	// MaxExpansions bounds the number of re-broadcast waves after the
	// initial one. Zero disables expansion.
	MaxExpansions int

	// MaxRadiusKm caps both the requested and the expanded radius.
	MaxRadiusKm float64

	// Request time-to-live per urgency level.
	AsapTTL          time.Duration
	WithinHourTTL    time.Duration
	WithinTwoHourTTL time.Duration

	// HeartbeatTTL is how long an availability entry stays eligible
	// without a heartbeat.
	HeartbeatTTL time.Duration

	// AvailabilityPurgeInterval is how often stale availability entries
	// are purged. Zero disables the purge loop; stale entries are still
	// never returned as candidates.
	AvailabilityPurgeInterval time.Duration

	// SweepSchedule is the cron expression of the expiry safety-net sweep.
	SweepSchedule string

	// AssumedSpeedKmh is the travel speed used for arrival estimates.
	AssumedSpeedKmh float64

	// ETAFloorMinutes and ETACeilingMinutes clamp arrival estimates.
	ETAFloorMinutes   int
	ETACeilingMinutes int

	// LocationStaleAfter marks a Doer position too old for an estimate.
	LocationStaleAfter time.Duration

	// DeliveryAttempts bounds delivery retries of a single notification.
	DeliveryAttempts int

	// DeliveryConcurrency bounds parallel deliveries during fanout.
	DeliveryConcurrency int

	// GiverRateLimit is the sustained number of instant requests per second
	// a single Giver may create. Zero disables the limit.
	GiverRateLimit float64

	// GiverRateBurst is the burst size of the per-Giver limiter.
	GiverRateBurst int

	// MaxSearchingPerGiver caps the simultaneously searching requests of a
	// single Giver. Zero means no cap.
	MaxSearchingPerGiver int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OfferTTL:                  30 * time.Second,
		MaxFanout:                 20,
		ExpansionFactor:           2.0,
		MaxExpansions:             1,
		MaxRadiusKm:               50,
		AsapTTL:                   3 * time.Minute,
		WithinHourTTL:             10 * time.Minute,
		WithinTwoHourTTL:          20 * time.Minute,
		HeartbeatTTL:              60 * time.Second,
		AvailabilityPurgeInterval: 30 * time.Second,
		SweepSchedule:             "@every 1s",
		AssumedSpeedKmh:           30,
		ETAFloorMinutes:           1,
		ETACeilingMinutes:         240,
		LocationStaleAfter:        2 * time.Minute,
		DeliveryAttempts:          3,
		DeliveryConcurrency:       8,
		GiverRateBurst:            3,
	}
}

// Validate reports configuration values the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.OfferTTL <= 0:
		return fmt.Errorf("dispatch: config: offer ttl must be positive")
	case c.MaxFanout <= 0:
		return fmt.Errorf("dispatch: config: max fanout must be positive")
	case c.MaxRadiusKm <= 0:
		return fmt.Errorf("dispatch: config: max radius must be positive")
	case c.AsapTTL <= 0 || c.WithinHourTTL <= 0 || c.WithinTwoHourTTL <= 0:
		return fmt.Errorf("dispatch: config: request ttls must be positive")
	case c.HeartbeatTTL <= 0:
		return fmt.Errorf("dispatch: config: heartbeat ttl must be positive")
	case c.AssumedSpeedKmh <= 0:
		return fmt.Errorf("dispatch: config: assumed speed must be positive")
	case c.ETAFloorMinutes > c.ETACeilingMinutes:
		return fmt.Errorf("dispatch: config: eta floor above ceiling")
	case c.MaxExpansions > 0 && c.ExpansionFactor <= 1:
		return fmt.Errorf("dispatch: config: expansion factor must exceed 1")
	}
	return nil
}
