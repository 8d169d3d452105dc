// Package dwp implements the Dispatch Wire Protocol (DWP), the realtime
// channel between the matching engine and giver and doer apps, and between
// dispatchd nodes. DWP is transported over WebSocket (primary), SSE
// (read-only fallback), and HTTP (one-shot RPC).
package dwp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/dispatch/geo"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the DWP message envelope. Every message exchanged over
// the protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "offer.accept").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries auth credentials (typically only on the auth frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel identifies the subscription channel for event/subscribe frames.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes flow-control credits (backpressure).
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame. Code is an
// HTTP-style status; Details carries the stable error code, such as
// "already_matched", that clients branch on.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details string `json:"details,omitempty" msgpack:"details,omitempty"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Auth methods.
	MethodAuth = "auth"

	// Giver methods.
	MethodRequestCreate   = "request.create"
	MethodRequestGet      = "request.get"
	MethodRequestList     = "request.list"
	MethodRequestOffers   = "request.offers"
	MethodRequestCancel   = "request.cancel"
	MethodRequestArriving = "request.arriving"
	MethodRequestStart    = "request.start"
	MethodRequestComplete = "request.complete"

	// Doer methods.
	MethodOfferAccept   = "offer.accept"
	MethodOfferDecline  = "offer.decline"
	MethodOfferPending  = "offer.pending"
	MethodDoerHeartbeat = "doer.heartbeat"
	MethodDoerPosition  = "doer.position"
	MethodDoerOffline   = "doer.offline"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// Admin methods.
	MethodStats = "stats"

	// Federation methods (server-to-server).
	MethodFederationEvent     = "federation.event"
	MethodFederationHeartbeat = "federation.heartbeat"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest      = 400
	ErrCodeUnauthorized    = 401
	ErrCodeForbidden       = 403
	ErrCodeNotFound        = 404
	ErrCodeMethodNotFound  = 405
	ErrCodeConflict        = 409
	ErrCodeUnprocessable   = 422
	ErrCodeTooManyRequests = 429
	ErrCodeInternal        = 500
	ErrCodeUnavailable     = 503
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default), "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string   `json:"format"`
	SessionID string   `json:"session_id"`
	Subject   string   `json:"subject"`
	Channels  []string `json:"channels,omitempty"` // Topics subscribed on connect
}

// The payload of request.create is a request.Input.

// RequestRef names a request. It is the payload of request.get,
// request.offers, request.cancel, the lifecycle methods and the offer
// answers.
type RequestRef struct {
	RequestID string `json:"request_id"`
}

// RequestListRequest pages through the caller's requests.
type RequestListRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// HeartbeatRequest is the payload of doer.heartbeat. The doer ID is the
// authenticated subject.
type HeartbeatRequest struct {
	Online     bool         `json:"is_online"`
	Location   geo.Position `json:"location"`
	RadiusKm   float64      `json:"radius_km"`
	Categories []string     `json:"categories,omitempty"`
}

// The payload of doer.position is a geo.Position.

// StatusResponse acknowledges a method without a richer result.
type StatusResponse struct {
	Status string `json:"status"`
}

// SubscribeRequest subscribes to a topic channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	Credits int    `json:"credits,omitempty"` // Extra credits granted on subscribe
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// SubscribeResponse confirms a subscription change.
type SubscribeResponse struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
}

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription channel.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GenerateFrameID returns a new unique frame ID.
func GenerateFrameID() string {
	return uuid.NewString()
}
