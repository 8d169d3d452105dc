package dwp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/engine"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/stream"
)

// Server is the DWP server that handles WebSocket, SSE, and HTTP RPC
// connections. It integrates with the engine via the stream broker and
// handles frame-based communication with giver and doer apps.
type Server struct {
	eng          *engine.Engine
	broker       *stream.Broker
	handler      *Handler
	federation   *Federation
	auth         auth.Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	basePath     string
	authTimeout  time.Duration
	idleTimeout  time.Duration

	offlineOnDisconnect bool
}

// NewServer creates a new DWP server.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		eng:          eng,
		broker:       eng.Broker(),
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		basePath:     "/dwp",
		authTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &auth.NoopAuthenticator{}
	}
	s.handler = NewHandler(eng, s.logger)
	s.handler.conns = s.conns
	if s.federation != nil {
		s.handler.SetFederation(s.federation)
	}
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Handler returns the frame handler.
func (s *Server) Handler() *Handler { return s.handler }

// RegisterRoutes mounts DWP endpoints on a chi router.
func (s *Server) RegisterRoutes(r chi.Router) {
	// Primary: WebSocket
	r.Get(s.basePath, s.handleWebSocket)

	// Fallback: SSE for read-only subscriptions
	r.Get(s.basePath+"/sse", s.handleSSE)

	// One-shot: HTTP RPC
	r.Post(s.basePath+"/rpc", s.handleHTTPRPC)
}

// HTTPHandler returns a router serving only the DWP endpoints.
func (s *Server) HTTPHandler() http.Handler {
	r := chi.NewRouter()
	s.RegisterRoutes(r)
	return r
}

// ── WebSocket ───────────────────────────────────────

// wsConn serializes writes to an upgraded connection. Responses and
// forwarded events are written from different goroutines.
type wsConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeFrame(codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	op := ws.OpText
	if codec.Binary() {
		op = ws.OpBinary
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerMessage(c.conn, op, data)
}

// handleWebSocket is the main WebSocket connection handler.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("DWP upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer netConn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := id.NewConnectionID().String()
	if err := s.serveConn(ctx, connID, &wsConn{conn: netConn}); err != nil {
		s.logger.Debug("DWP WebSocket closed",
			slog.String("conn_id", connID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) serveConn(ctx context.Context, connID string, wc *wsConn) error {
	s.logger.Info("DWP WebSocket connected", slog.String("conn_id", connID))

	// Wait for auth frame.
	if s.authTimeout > 0 {
		_ = wc.conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	}
	authData, _, readErr := wsutil.ReadClientData(wc.conn)
	if readErr != nil {
		return fmt.Errorf("dwp: read auth frame: %w", readErr)
	}
	_ = wc.conn.SetReadDeadline(time.Time{})

	// Auth frames are always JSON (before codec negotiation).
	jsonCodec := &JSONCodec{}
	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		//nolint:errcheck // best-effort error response before disconnect
		wc.writeFrame(jsonCodec, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return fmt.Errorf("dwp: unmarshal auth frame: %w", err)
	}

	if authFrame.Method != MethodAuth {
		//nolint:errcheck // best-effort error response before disconnect
		wc.writeFrame(jsonCodec, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return fmt.Errorf("dwp: expected auth frame, got %q", authFrame.Method)
	}

	// Parse auth request.
	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			//nolint:errcheck // best-effort error response before disconnect
			wc.writeFrame(jsonCodec, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return err
		}
	}

	// Authenticate.
	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, authErr := s.auth.Authenticate(ctx, token)
	if authErr != nil {
		//nolint:errcheck // best-effort error response before disconnect
		wc.writeFrame(jsonCodec, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return fmt.Errorf("dwp: auth failed: %w", authErr)
	}

	// Negotiate codec.
	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	// Create connection state.
	dwpConn := NewConnection(connID, identity, codec)
	s.conns.Add(dwpConn)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		_, last := s.conns.Remove(connID)
		s.logger.Info("DWP WebSocket disconnected", slog.String("conn_id", connID))
		if last && s.offlineOnDisconnect && identity.HasScope(auth.ScopeDoer) {
			if err := s.eng.GoOffline(context.Background(), identity.Subject); err != nil {
				s.logger.Warn("offline on disconnect failed",
					slog.String("doer_id", identity.Subject),
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	// A participant always hears about its own offers and requests.
	channels := ownTopics(identity)
	sub := s.broker.Subscribe(connID, channels...)
	for _, ch := range channels {
		dwpConn.AddSubscription(ch)
	}

	// Send auth response. It goes out in the negotiated codec.
	resp, respErr := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
		Subject:   identity.Subject,
		Channels:  channels,
	})
	if respErr != nil {
		return fmt.Errorf("dwp: marshal auth response: %w", respErr)
	}
	if err := wc.writeFrame(codec, resp); err != nil {
		return err
	}

	s.logger.Info("DWP authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)

	go s.forwardEvents(wc, codec, sub)

	// Frame processing loop.
	for {
		if s.idleTimeout > 0 {
			_ = wc.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		data, _, err := wsutil.ReadClientData(wc.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return nil
			}
			return err
		}

		dwpConn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			errFrame := NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())
			if writeErr := wc.writeFrame(codec, errFrame); writeErr != nil {
				s.logger.Warn("failed to write error frame", slog.String("error", writeErr.Error()))
			}
			continue
		}

		// Handle ping/pong.
		if frame.Type == FramePing && frame.Method == "" {
			pong := &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			}
			if writeErr := wc.writeFrame(codec, pong); writeErr != nil {
				s.logger.Warn("failed to write pong frame", slog.String("error", writeErr.Error()))
			}
			continue
		}

		// Handle credits replenishment.
		if frame.Credits > 0 && frame.Method == "" {
			sub.AddCredits(int64(frame.Credits))
			continue
		}

		// Check authorization for the method.
		if errFrame := authorizeMethod(identity, frame); errFrame != nil {
			if writeErr := wc.writeFrame(codec, errFrame); writeErr != nil {
				s.logger.Warn("failed to write forbidden frame", slog.String("error", writeErr.Error()))
			}
			continue
		}

		// Dispatch to handler.
		respFrame := s.handler.Handle(ctx, frame, dwpConn)
		if respFrame == nil {
			continue
		}
		if respFrame.Type == FrameResponse {
			s.applySubscription(dwpConn, sub, frame)
		}
		if writeErr := wc.writeFrame(codec, respFrame); writeErr != nil {
			s.logger.Warn("failed to write response frame", slog.String("error", writeErr.Error()))
		}
	}
}

// applySubscription performs the subscribe and unsubscribe side effects
// of an accepted frame.
func (s *Server) applySubscription(conn *Connection, sub *stream.Subscriber, frame *Frame) {
	switch frame.Method {
	case MethodSubscribe:
		var req SubscribeRequest
		if json.Unmarshal(frame.Data, &req) == nil {
			s.broker.SubscribeTo(conn.ID, req.Channel)
			conn.AddSubscription(req.Channel)
			if req.Credits > 0 {
				sub.AddCredits(int64(req.Credits))
			}
		}
	case MethodUnsubscribe:
		var req UnsubscribeRequest
		if json.Unmarshal(frame.Data, &req) == nil {
			s.broker.Unsubscribe(conn.ID, req.Channel)
			conn.RemoveSubscription(req.Channel)
		}
	}
}

// forwardEvents reads from the subscriber channel and writes events
// to the WebSocket connection.
func (s *Server) forwardEvents(wc *wsConn, codec Codec, sub *stream.Subscriber) {
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if writeErr := wc.writeFrame(codec, evtFrame); writeErr != nil {
			return // Connection gone.
		}
	}
}

// ownTopics returns the topics a participant is subscribed to on connect.
func ownTopics(who *auth.Identity) []string {
	var out []string
	if who.Subject == "" {
		return out
	}
	if who.HasScope(auth.ScopeDoer) {
		out = append(out, stream.DoerTopic(who.Subject))
	}
	if who.HasScope(auth.ScopeGiver) {
		out = append(out, stream.GiverTopic(who.Subject))
	}
	return out
}

// authorizeMethod returns a forbidden frame when who lacks the scope the
// frame's method requires.
func authorizeMethod(who *auth.Identity, frame *Frame) *Frame {
	if frame.Method == "" {
		return nil
	}
	reqScope := RequiredScope(frame.Method)
	if reqScope != "" && !who.HasScope(reqScope) {
		out := NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions")
		out.Error.Details = "forbidden"
		return out
	}
	return nil
}

// ── SSE ─────────────────────────────────────────────

// handleSSE serves read-only Server-Sent Events for clients that
// cannot establish WebSocket connections. Channels are passed as repeated
// channel query parameters; without any, the caller's own topics are used.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.TokenFromRequest(r)
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeJSONFrame(w, http.StatusUnauthorized, NewErrorFrame("", ErrCodeUnauthorized, "unauthorized"))
		return
	}

	channels := r.URL.Query()["channel"]
	if len(channels) == 0 {
		channels = ownTopics(identity)
	}
	if len(channels) == 0 {
		writeJSONFrame(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "channel parameter required"))
		return
	}
	for _, ch := range channels {
		if err := s.handler.authorizeTopic(r.Context(), identity, ch); err != nil {
			code, details := codeFor(err)
			f := NewErrorFrame("", code, err.Error())
			f.Error.Details = details
			writeJSONFrame(w, httpStatus(code), f)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONFrame(w, http.StatusInternalServerError, NewErrorFrame("", ErrCodeInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connID := "sse-" + id.NewConnectionID().String()
	sub := s.broker.Subscribe(connID, channels...)
	defer s.broker.RemoveSubscriber(connID)

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
			// SSE has no back channel for credits.
			sub.AddCredits(1)
		case <-r.Context().Done():
			return
		}
	}
}

// ── HTTP RPC ────────────────────────────────────────

// handleHTTPRPC handles one-shot HTTP RPC requests for simple operations.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	// Parse the frame from the request body.
	var frame Frame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeJSONFrame(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "invalid request body"))
		return
	}

	// Authenticate.
	token := frame.Token
	if token == "" {
		token = auth.TokenFromRequest(r)
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeJSONFrame(w, http.StatusUnauthorized, NewErrorFrame(frame.ID, ErrCodeUnauthorized, "unauthorized"))
		return
	}

	// Check authorization.
	if errFrame := authorizeMethod(identity, &frame); errFrame != nil {
		writeJSONFrame(w, http.StatusForbidden, errFrame)
		return
	}
	if frame.Method == MethodSubscribe || frame.Method == MethodUnsubscribe {
		writeJSONFrame(w, http.StatusBadRequest, NewErrorFrame(frame.ID, ErrCodeBadRequest, "subscriptions need a websocket or SSE"))
		return
	}

	// Create a temporary connection for the caller.
	conn := NewConnection("rpc-"+GenerateFrameID(), identity, &JSONCodec{})

	resp := s.handler.Handle(r.Context(), &frame, conn)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := http.StatusOK
	if resp.Type == FrameErr && resp.Error != nil {
		status = httpStatus(resp.Error.Code)
	}
	writeJSONFrame(w, status, resp)
}

func httpStatus(code int) int {
	if code < 100 || code > 599 {
		return http.StatusInternalServerError
	}
	return code
}

func writeJSONFrame(w http.ResponseWriter, status int, frame *Frame) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(frame)
}
