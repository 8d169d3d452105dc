// Package request defines the InstantRequest entity, its lifecycle state
// machine and its store interface.
package request

import (
	"fmt"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/id"
)

// Status is the lifecycle state of an instant request.
type Status string

const (
	// StatusSearching is the initial state: offers are out.
	StatusSearching Status = "searching"
	// StatusAccepted means a doer won the request.
	StatusAccepted Status = "accepted"
	// StatusArriving means the matched doer is on the way.
	StatusArriving Status = "arriving"
	// StatusInProgress means work has begun.
	StatusInProgress Status = "in_progress"
	// StatusCompleted is terminal: the work is done.
	StatusCompleted Status = "completed"
	// StatusCancelled is terminal: a participant cancelled.
	StatusCancelled Status = "cancelled"
	// StatusExpired is terminal: nobody accepted before expires_at.
	StatusExpired Status = "expired"
	// StatusNoMatch is terminal: no eligible candidate was found.
	StatusNoMatch Status = "no_match"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusSearching, StatusAccepted, StatusArriving, StatusInProgress,
	StatusCompleted, StatusCancelled, StatusExpired, StatusNoMatch,
}

// transitions is the exhaustive lifecycle table. Anything not listed is
// rejected.
var transitions = map[Status][]Status{
	StatusSearching:  {StatusAccepted, StatusExpired, StatusNoMatch, StatusCancelled},
	StatusAccepted:   {StatusArriving, StatusCancelled},
	StatusArriving:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
	StatusExpired:    nil,
	StatusNoMatch:    nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Matched reports whether a doer is bound to the request in status s.
func (s Status) Matched() bool {
	switch s {
	case StatusAccepted, StatusArriving, StatusInProgress, StatusCompleted:
		return true
	default:
		return false
	}
}

// Travelling reports whether the matched doer is on the way in status s,
// which is when arrival estimates apply.
func (s Status) Travelling() bool {
	return s == StatusAccepted || s == StatusArriving
}

// CanTransition reports whether from → to is in the lifecycle table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from → to and returns ErrInvalidTransition when the
// move is not allowed.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", dispatch.ErrInvalidTransition, from, to)
	}
	return nil
}

// Urgency is how soon the giver needs help. It selects the request TTL.
type Urgency string

const (
	UrgencyASAP          Urgency = "asap"
	UrgencyWithinHour    Urgency = "within_hour"
	UrgencyWithinTwoHour Urgency = "within_2_hours"
)

// TTL returns the request time-to-live for u under cfg.
func (u Urgency) TTL(cfg dispatch.Config) time.Duration {
	switch u {
	case UrgencyWithinHour:
		return cfg.WithinHourTTL
	case UrgencyWithinTwoHour:
		return cfg.WithinTwoHourTTL
	default:
		return cfg.AsapTTL
	}
}

// CancelReason attributes a cancellation. Billing penalties keyed on it
// belong to the payment collaborator.
type CancelReason string

const (
	CancelGiver CancelReason = "giver_cancelled"
	CancelDoer  CancelReason = "doer_cancelled"
)

// Request is an urgent, location-anchored task broadcast to nearby doers.
type Request struct {
	dispatch.Entity

	ID          id.RequestID `json:"id"`
	GiverID     string       `json:"giver_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Category    string       `json:"category"`
	Target      geo.Point    `json:"target"`
	Address     string       `json:"address,omitempty"`
	MaxBudget   *float64     `json:"max_budget,omitempty"`
	Urgency     Urgency      `json:"urgency_level"`
	RadiusKm    float64      `json:"radius_km"`
	Status      Status       `json:"status"`
	ExpiresAt   time.Time    `json:"expires_at"`

	// MatchedDoerID is set iff Status.Matched().
	MatchedDoerID string `json:"matched_doer_id,omitempty"`

	// EstimatedArrivalMinutes is nil while no estimate is available.
	EstimatedArrivalMinutes *int `json:"estimated_arrival_minutes,omitempty"`

	// Wave counts broadcast waves after the initial one.
	Wave int `json:"wave"`

	CancelledBy    string       `json:"cancelled_by,omitempty"`
	CancelReason   CancelReason `json:"cancel_reason,omitempty"`
	ReleasedDoerID string       `json:"released_doer_id,omitempty"`
	MatchedAt      *time.Time   `json:"matched_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// New builds a searching request from validated input.
func New(giverID string, in Input, cfg dispatch.Config) *Request {
	r := &Request{
		Entity:      dispatch.NewEntity(),
		ID:          id.NewRequestID(),
		GiverID:     giverID,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Target:      *in.Location,
		Address:     in.Address,
		MaxBudget:   in.MaxBudget,
		Urgency:     in.Urgency,
		RadiusKm:    in.RadiusKm,
		Status:      StatusSearching,
	}
	if r.Urgency == "" {
		r.Urgency = UrgencyASAP
	}
	r.ExpiresAt = r.CreatedAt.Add(r.Urgency.TTL(cfg))
	return r
}

// IsParticipant reports whether actorID is the giver or the matched doer.
func (r *Request) IsParticipant(actorID string) bool {
	return actorID != "" && (actorID == r.GiverID || actorID == r.MatchedDoerID)
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	cp := *r
	if r.MaxBudget != nil {
		v := *r.MaxBudget
		cp.MaxBudget = &v
	}
	if r.EstimatedArrivalMinutes != nil {
		v := *r.EstimatedArrivalMinutes
		cp.EstimatedArrivalMinutes = &v
	}
	if r.MatchedAt != nil {
		v := *r.MatchedAt
		cp.MatchedAt = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}
