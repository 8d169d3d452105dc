// Package availability tracks which doers are online, where they are and
// what they serve. Entries go stale without a heartbeat and are then never
// offered work, whether or not an explicit offline write ever arrives.
package availability

import (
	"context"
	"strings"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/geo"
)

// Availability is the last reported state of a doer.
type Availability struct {
	DoerID        string       `json:"doer_id"`
	Online        bool         `json:"is_online"`
	Location      geo.Position `json:"last_location"`
	RadiusKm      float64      `json:"radius_km"`
	Categories    []string     `json:"categories,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// Eligible reports whether the doer may receive offers at now.
func (a *Availability) Eligible(now time.Time, ttl time.Duration) bool {
	return a.Online && now.Sub(a.LastHeartbeat) < ttl
}

// Serves reports whether the doer takes work in category. A request
// without a category, or a doer without filters, matches everything.
func (a *Availability) Serves(category string) bool {
	if category == "" || len(a.Categories) == 0 {
		return true
	}
	for _, c := range a.Categories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// Reaches reports whether distanceKm is inside the doer's own service
// radius. Zero means no personal limit.
func (a *Availability) Reaches(distanceKm float64) bool {
	return a.RadiusKm <= 0 || distanceKm <= a.RadiusKm
}

// Clone returns a deep copy of a.
func (a *Availability) Clone() *Availability {
	cp := *a
	cp.Categories = append([]string(nil), a.Categories...)
	return &cp
}

// Query selects fresh, online doers around a point.
type Query struct {
	Center     geo.Point
	RadiusKm   float64
	FreshSince time.Time
}

// Candidate is an availability entry with its distance to the query
// center.
type Candidate struct {
	Availability *Availability `json:"availability"`
	DistanceKm   float64       `json:"distance_km"`
}

// Store defines the persistence contract for doer availability. Writes
// are last-write-wins.
type Store interface {
	// UpsertAvailability creates or replaces a doer's entry.
	UpsertAvailability(ctx context.Context, a *Availability) error

	// GetAvailability returns a doer's entry or ErrDoerNotFound.
	GetAvailability(ctx context.Context, doerID string) (*Availability, error)

	// NearbyAvailability returns online entries with a heartbeat after
	// q.FreshSince within q.RadiusKm of q.Center, nearest first.
	NearbyAvailability(ctx context.Context, q Query) ([]Candidate, error)

	// PurgeStaleAvailability deletes entries whose last heartbeat is
	// before the cutoff and returns how many were removed.
	PurgeStaleAvailability(ctx context.Context, before time.Time) (int, error)
}

// Heartbeat is a doer's periodic liveness report.
type Heartbeat struct {
	DoerID     string       `json:"doer_id"`
	Online     bool         `json:"is_online"`
	Location   geo.Position `json:"location"`
	RadiusKm   float64      `json:"radius_km"`
	Categories []string     `json:"categories,omitempty"`
}

// Validate reports malformed heartbeat fields.
func (h Heartbeat) Validate() error {
	verr := &dispatch.ValidationError{Fields: map[string]string{}}
	if strings.TrimSpace(h.DoerID) == "" {
		verr.Fields["doer_id"] = "is required"
	}
	if err := h.Location.Validate(); err != nil {
		verr.Fields["location"] = "is out of range"
	}
	if h.RadiusKm < 0 {
		verr.Fields["radius_km"] = "must not be negative"
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}
