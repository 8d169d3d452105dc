// Package stream provides the realtime event broker for Dispatch. It turns
// lifecycle hooks and notifications into events and fans them out to
// connected participants via topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of realtime event.
type EventType string

const (
	// Offer events, addressed to a single doer.
	EventOfferCreated  EventType = "offer.created"
	EventOfferClosed   EventType = "offer.closed"
	EventOfferDeclined EventType = "offer.declined"
	EventOfferTimedOut EventType = "offer.timed_out"

	// Request events, addressed to the participants of a request.
	EventRequestCreated   EventType = "request.created"
	EventRequestBroadcast EventType = "request.broadcast"
	EventRequestMatched   EventType = "request.matched"
	EventRequestStatus    EventType = "request.status"
	EventRequestExpired   EventType = "request.expired"
	EventRequestNoMatch   EventType = "request.no_match"
	EventRequestCancelled EventType = "request.cancelled"

	// Position events, addressed to the giver of an active request.
	EventDoerPositionUpdated EventType = "doer.position_updated"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the primary channel the event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`

	// audience lists participant topics that also receive the event.
	audience []string

	// relayed marks an event received from a peer node.
	relayed bool
}

// Audience returns the participant topics the event is also published to.
func (e *Event) Audience() []string { return e.audience }

// Relayed reports whether the event was received from a peer node rather
// than emitted by the local engine.
func (e *Event) Relayed() bool { return e.relayed }

// OfferEventData is the payload of offer events.
type OfferEventData struct {
	OfferID          string    `json:"offer_id"`
	RequestID        string    `json:"request_id"`
	DoerID           string    `json:"doer_id"`
	DistanceKm       float64   `json:"distance_km,omitempty"`
	ResponseDeadline time.Time `json:"response_deadline,omitempty"`
	Response         string    `json:"response"`
	Wave             int       `json:"wave"`
}

// RequestEventData is the payload of request events.
type RequestEventData struct {
	RequestID     string    `json:"request_id"`
	GiverID       string    `json:"giver_id"`
	Status        string    `json:"status"`
	PreviousState string    `json:"previous_status,omitempty"`
	Category      string    `json:"category,omitempty"`
	MatchedDoerID string    `json:"matched_doer_id,omitempty"`
	ETAMinutes    *int      `json:"estimated_arrival_minutes,omitempty"`
	Wave          int       `json:"wave"`
	OfferCount    int       `json:"offer_count,omitempty"`
	CancelledBy   string    `json:"cancelled_by,omitempty"`
	CancelReason  string    `json:"cancel_reason,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// PositionEventData is the payload of doer position events.
type PositionEventData struct {
	RequestID  string    `json:"request_id"`
	DoerID     string    `json:"doer_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	SampledAt  time.Time `json:"sampled_at"`
	DistanceKm float64   `json:"distance_km"`
	ETAMinutes *int      `json:"estimated_arrival_minutes"`
}

// NotificationData is the payload of events built from a notification.
type NotificationData struct {
	NotificationID string          `json:"notification_id"`
	RequestID      string          `json:"request_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}
