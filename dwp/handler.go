package dwp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/engine"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/request"
	"github.com/taskhub/dispatch/stream"
)

// defaultListLimit caps request.list when the caller sets no limit.
const defaultListLimit = 50

// Handler dispatches DWP frames to engine operations. The authenticated
// subject of the connection is the giver or doer every call acts as.
type Handler struct {
	eng        *engine.Engine
	conns      *ConnectionManager
	federation *Federation
	logger     *slog.Logger
}

// NewHandler creates a new DWP method handler.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{eng: eng, logger: logger}
}

// SetFederation attaches a federation manager for handling server-to-server methods.
func (h *Handler) SetFederation(f *Federation) {
	h.federation = f
}

// PositionResponse is the result of doer.position.
type PositionResponse struct {
	Tracked []engine.Tracked `json:"tracked"`
}

// StatsResponse is the result of stats.
type StatsResponse struct {
	Broker         stream.BrokerStats `json:"broker"`
	Connections    int                `json:"connections"`
	Subjects       int                `json:"subjects"`
	ArmedDeadlines int                `json:"armed_deadlines"`
	Federation     *FederationStats   `json:"federation,omitempty"`
}

// Handle processes a single DWP request frame and returns a response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	if conn == nil || conn.Identity == nil {
		return NewErrorFrame(frame.ID, ErrCodeUnauthorized, "unauthenticated connection")
	}
	who := conn.Identity

	switch frame.Method {
	case MethodRequestCreate:
		return h.handleRequestCreate(ctx, frame, who)
	case MethodRequestGet:
		return h.handleRequestGet(ctx, frame, who)
	case MethodRequestList:
		return h.handleRequestList(ctx, frame, who)
	case MethodRequestOffers:
		return h.handleRequestOffers(ctx, frame, who)
	case MethodRequestCancel:
		return h.withRequest(frame, func(requestID id.RequestID) (any, error) {
			return h.eng.Cancel(ctx, requestID, who.Subject)
		})
	case MethodRequestArriving:
		return h.withRequest(frame, func(requestID id.RequestID) (any, error) {
			return h.eng.MarkArriving(ctx, requestID, who.Subject)
		})
	case MethodRequestStart:
		return h.withRequest(frame, func(requestID id.RequestID) (any, error) {
			return h.eng.StartWork(ctx, requestID, who.Subject)
		})
	case MethodRequestComplete:
		return h.withRequest(frame, func(requestID id.RequestID) (any, error) {
			return h.eng.Complete(ctx, requestID, who.Subject)
		})
	case MethodOfferAccept:
		return h.withRequest(frame, func(requestID id.RequestID) (any, error) {
			return h.eng.Accept(ctx, requestID, who.Subject)
		})
	case MethodOfferDecline:
		return h.withRequest(frame, func(requestID id.RequestID) (any, error) {
			if err := h.eng.Decline(ctx, requestID, who.Subject); err != nil {
				return nil, err
			}
			return StatusResponse{Status: "declined"}, nil
		})
	case MethodOfferPending:
		return h.respond(frame, func() (any, error) {
			return h.eng.PendingOffers(ctx, who.Subject)
		})
	case MethodDoerHeartbeat:
		return h.handleHeartbeat(ctx, frame, who)
	case MethodDoerPosition:
		return h.handlePosition(ctx, frame, who)
	case MethodDoerOffline:
		return h.respond(frame, func() (any, error) {
			if err := h.eng.GoOffline(ctx, who.Subject); err != nil {
				return nil, err
			}
			return StatusResponse{Status: "offline"}, nil
		})
	case MethodSubscribe:
		return h.handleSubscribe(ctx, frame, who)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	case MethodStats:
		return h.handleStats(frame)
	case MethodFederationEvent:
		return h.handleFederationEvent(frame)
	case MethodFederationHeartbeat:
		return h.handleFederationHeartbeat(frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errorFrame turns an engine error into an error frame. Internal errors
// are logged and masked.
func (h *Handler) errorFrame(frame *Frame, err error) *Frame {
	code, details := codeFor(err)
	msg := err.Error()
	if code == ErrCodeInternal {
		h.logger.Error("dwp: method failed",
			slog.String("method", frame.Method),
			slog.String("frame_id", frame.ID),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	}
	out := NewErrorFrame(frame.ID, code, msg)
	out.Error.Details = details
	return out
}

func (h *Handler) respond(frame *Frame, fn func() (any, error)) *Frame {
	out, err := fn()
	if err != nil {
		return h.errorFrame(frame, err)
	}
	return mustResponseFrame(frame.ID, out)
}

func decodeData(frame *Frame, v any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%w: missing data", errBadPayload)
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func parseRef(frame *Frame) (id.RequestID, error) {
	var ref RequestRef
	if err := decodeData(frame, &ref); err != nil {
		return id.Nil, err
	}
	requestID, err := id.ParseRequestID(ref.RequestID)
	if err != nil {
		return id.Nil, fmt.Errorf("%w: invalid request ID: %v", errBadPayload, err)
	}
	return requestID, nil
}

// withRequest decodes a RequestRef and runs fn on the named request.
func (h *Handler) withRequest(frame *Frame, fn func(id.RequestID) (any, error)) *Frame {
	requestID, err := parseRef(frame)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	return h.respond(frame, func() (any, error) { return fn(requestID) })
}

// ── Giver methods ───────────────────────────────────

func (h *Handler) handleRequestCreate(ctx context.Context, frame *Frame, who *auth.Identity) *Frame {
	var in request.Input
	if err := decodeData(frame, &in); err != nil {
		return h.errorFrame(frame, err)
	}
	return h.respond(frame, func() (any, error) {
		return h.eng.CreateInstantRequest(ctx, who.Subject, in)
	})
}

func (h *Handler) handleRequestGet(ctx context.Context, frame *Frame, who *auth.Identity) *Frame {
	requestID, err := parseRef(frame)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	r, err := h.eng.GetRequest(ctx, requestID)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	if !who.HasScope(auth.ScopeAdmin) {
		ok, err := h.eng.CanView(ctx, r, who.Subject)
		if err != nil {
			return h.errorFrame(frame, err)
		}
		if !ok {
			return h.errorFrame(frame, dispatch.ErrNotParticipant)
		}
	}
	return mustResponseFrame(frame.ID, r)
}

func (h *Handler) handleRequestList(ctx context.Context, frame *Frame, who *auth.Identity) *Frame {
	var req RequestListRequest
	if len(frame.Data) > 0 {
		if err := decodeData(frame, &req); err != nil {
			return h.errorFrame(frame, err)
		}
	}
	opts := request.ListOpts{
		Status: request.Status(req.Status),
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return h.errorFrame(frame, fmt.Errorf("%w: unknown status %q", errBadPayload, req.Status))
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	return h.respond(frame, func() (any, error) {
		return h.eng.ListRequestsByGiver(ctx, who.Subject, opts)
	})
}

func (h *Handler) handleRequestOffers(ctx context.Context, frame *Frame, who *auth.Identity) *Frame {
	requestID, err := parseRef(frame)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	r, err := h.eng.GetRequest(ctx, requestID)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	if r.GiverID != who.Subject && !who.HasScope(auth.ScopeAdmin) {
		return h.errorFrame(frame, dispatch.ErrNotParticipant)
	}
	return h.respond(frame, func() (any, error) {
		return h.eng.ListOffers(ctx, requestID)
	})
}

// ── Doer methods ────────────────────────────────────

func (h *Handler) handleHeartbeat(ctx context.Context, frame *Frame, who *auth.Identity) *Frame {
	var req HeartbeatRequest
	if err := decodeData(frame, &req); err != nil {
		return h.errorFrame(frame, err)
	}
	return h.respond(frame, func() (any, error) {
		return h.eng.Heartbeat(ctx, availability.Heartbeat{
			DoerID:     who.Subject,
			Online:     req.Online,
			Location:   req.Location,
			RadiusKm:   req.RadiusKm,
			Categories: req.Categories,
		})
	})
}

func (h *Handler) handlePosition(ctx context.Context, frame *Frame, who *auth.Identity) *Frame {
	var pos geo.Position
	if err := decodeData(frame, &pos); err != nil {
		return h.errorFrame(frame, err)
	}
	return h.respond(frame, func() (any, error) {
		tracked, err := h.eng.UpdatePosition(ctx, who.Subject, pos)
		if err != nil {
			return nil, err
		}
		if tracked == nil {
			tracked = []engine.Tracked{}
		}
		return PositionResponse{Tracked: tracked}, nil
	})
}

// ── Subscriptions ───────────────────────────────────

func (h *Handler) handleSubscribe(ctx context.Context, frame *Frame, who *auth.Identity) *Frame {
	var req SubscribeRequest
	if err := decodeData(frame, &req); err != nil {
		return h.errorFrame(frame, err)
	}
	if err := h.authorizeTopic(ctx, who, req.Channel); err != nil {
		return h.errorFrame(frame, err)
	}

	// Actual subscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, SubscribeResponse{
		Channel: req.Channel,
		Status:  "subscribed",
	})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if err := decodeData(frame, &req); err != nil {
		return h.errorFrame(frame, err)
	}

	// Actual unsubscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, SubscribeResponse{
		Channel: req.Channel,
		Status:  "unsubscribed",
	})
}

// ── Admin ───────────────────────────────────────────

func (h *Handler) handleStats(frame *Frame) *Frame {
	stats := StatsResponse{
		Broker:         h.eng.Broker().Stats(),
		ArmedDeadlines: h.eng.Sweeper().Armed(),
	}
	if h.conns != nil {
		stats.Connections = h.conns.Count()
		stats.Subjects = h.conns.SubjectCount()
	}
	if h.federation != nil {
		fs := h.federation.Stats()
		stats.Federation = &fs
	}
	return mustResponseFrame(frame.ID, stats)
}

func (h *Handler) handleFederationEvent(frame *Frame) *Frame {
	if h.federation == nil {
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "federation not enabled")
	}
	return h.federation.HandleFederationEvent(frame)
}

func (h *Handler) handleFederationHeartbeat(frame *Frame) *Frame {
	if h.federation == nil {
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "federation not enabled")
	}
	return h.federation.HandleFederationHeartbeat(frame)
}
