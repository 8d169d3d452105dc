package dwp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/sync/errgroup"

	"github.com/taskhub/dispatch/stream"
)

// ── Peer ──────────────────────────────────────

// PeerState represents the connection state of a federated peer.
type PeerState string

const (
	PeerStateConnected    PeerState = "connected"
	PeerStateDisconnected PeerState = "disconnected"
	PeerStateConnecting   PeerState = "connecting"
)

// Peer represents another dispatchd node in the federation.
type Peer struct {
	// ID uniquely identifies this peer (typically hostname:port).
	ID string

	// URL is the WebSocket endpoint for the peer's DWP server.
	URL string

	// Token is the authentication token for the peer.
	Token string

	// State tracks the connection state.
	State PeerState

	// LastSeen is the timestamp of the last frame from the peer.
	LastSeen time.Time

	// Metadata carries arbitrary peer information.
	Metadata map[string]string

	// conn is the underlying WebSocket connection.
	conn net.Conn

	// pending tracks request-response correlation.
	pending sync.Map // frameID → chan *Frame

	// mu protects state updates.
	mu sync.RWMutex

	// writeMu serializes frames written to conn.
	writeMu sync.Mutex
}

func (p *Peer) connected() (net.Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn, p.conn != nil && p.State == PeerStateConnected
}

func (p *Peer) setState(state PeerState) {
	p.mu.Lock()
	p.State = state
	p.mu.Unlock()
}

func (p *Peer) write(conn net.Conn, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wsutil.WriteClientText(conn, data)
}

// ── Federation ─────────────────────────────────

// Federation links dispatchd nodes that share one store. Participants of
// a request may hold their sockets on different nodes, so every event the
// local engine emits is forwarded to each peer, which relays it to its own
// subscribers. Relayed events are never forwarded again, so the peers must
// form a full mesh.
type Federation struct {
	broker *stream.Broker
	logger *slog.Logger

	// Peers keyed by peer ID.
	peers sync.Map // peerID → *Peer

	// Local identity for outgoing connections.
	localID    string
	localToken string

	// Heartbeat settings.
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	// Reconnection settings.
	reconnectBackoff time.Duration
	maxReconnect     time.Duration

	requestTimeout time.Duration

	// Metrics.
	eventsForwarded atomic.Int64
	eventsRelayed   atomic.Int64
	forwardErrors   atomic.Int64

	// Lifecycle.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// FederationOption configures a Federation.
type FederationOption func(*Federation)

// WithLocalID sets the local peer ID for outgoing connections.
func WithLocalID(id string) FederationOption {
	return func(f *Federation) { f.localID = id }
}

// WithLocalToken sets the auth token used when connecting to peers that
// were added without one.
func WithLocalToken(token string) FederationOption {
	return func(f *Federation) { f.localToken = token }
}

// WithHeartbeatInterval sets how often heartbeats are sent to peers.
func WithHeartbeatInterval(d time.Duration) FederationOption {
	return func(f *Federation) { f.heartbeatInterval = d }
}

// WithHeartbeatTimeout sets how long to wait before considering a peer dead.
func WithHeartbeatTimeout(d time.Duration) FederationOption {
	return func(f *Federation) { f.heartbeatTimeout = d }
}

// WithRequestTimeout bounds how long a forwarded event waits for the
// peer's acknowledgement.
func WithRequestTimeout(d time.Duration) FederationOption {
	return func(f *Federation) { f.requestTimeout = d }
}

// NewFederation creates a new federation manager over the local broker.
func NewFederation(broker *stream.Broker, logger *slog.Logger, opts ...FederationOption) *Federation {
	f := &Federation{
		broker:            broker,
		logger:            logger,
		heartbeatInterval: 15 * time.Second,
		heartbeatTimeout:  45 * time.Second,
		reconnectBackoff:  2 * time.Second,
		maxReconnect:      60 * time.Second,
		requestTimeout:    5 * time.Second,
		ctx:               context.Background(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Federation) subscriberID() string { return "federation:" + f.localID }

// Start begins forwarding local events, heartbeat monitoring and peer
// health checks.
func (f *Federation) Start(ctx context.Context) {
	f.ctx, f.cancel = context.WithCancel(ctx)
	sub := f.broker.Subscribe(f.subscriberID(), stream.TopicFirehose)

	// Event forwarder.
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.forwardLoop(f.ctx, sub)
	}()

	// Heartbeat sender.
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.heartbeatLoop(f.ctx)
	}()

	// Peer health checker.
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.healthCheckLoop(f.ctx)
	}()
}

// Stop gracefully shuts down all peer connections.
func (f *Federation) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.broker.RemoveSubscriber(f.subscriberID())

	// Closing the sockets unblocks the peer read loops.
	f.peers.Range(func(_, value any) bool {
		f.disconnectPeer(value.(*Peer)) //nolint:errcheck // sync.Map always stores *Peer
		return true
	})
	f.wg.Wait()
}

// ── Peer Management ────────────────────────────

// AddPeer registers and connects to a remote peer.
func (f *Federation) AddPeer(ctx context.Context, peerID, url, token string, metadata map[string]string) error {
	if token == "" {
		token = f.localToken
	}
	peer := &Peer{
		ID:       peerID,
		URL:      url,
		Token:    token,
		State:    PeerStateDisconnected,
		Metadata: metadata,
	}
	f.peers.Store(peerID, peer)

	return f.connectPeer(ctx, peer)
}

// RemovePeer disconnects and removes a peer.
func (f *Federation) RemovePeer(peerID string) {
	val, ok := f.peers.LoadAndDelete(peerID)
	if !ok {
		return
	}
	f.disconnectPeer(val.(*Peer)) //nolint:errcheck // sync.Map always stores *Peer
}

// GetPeer returns a peer by ID.
func (f *Federation) GetPeer(peerID string) (*Peer, bool) {
	val, ok := f.peers.Load(peerID)
	if !ok {
		return nil, false
	}
	return val.(*Peer), true //nolint:errcheck // sync.Map always stores *Peer
}

// Peers returns a snapshot of all peers.
func (f *Federation) Peers() []*Peer {
	var peers []*Peer
	f.peers.Range(func(_, value any) bool {
		peers = append(peers, value.(*Peer)) //nolint:errcheck // sync.Map always stores *Peer
		return true
	})
	return peers
}

// Stats returns federation metrics.
func (f *Federation) Stats() FederationStats {
	connected := 0
	total := 0
	f.peers.Range(func(_, value any) bool {
		total++
		peer := value.(*Peer) //nolint:errcheck // sync.Map always stores *Peer
		if _, ok := peer.connected(); ok {
			connected++
		}
		return true
	})
	return FederationStats{
		TotalPeers:      total,
		ConnectedPeers:  connected,
		EventsForwarded: f.eventsForwarded.Load(),
		EventsRelayed:   f.eventsRelayed.Load(),
		ForwardErrors:   f.forwardErrors.Load(),
	}
}

// FederationStats contains federation metrics.
type FederationStats struct {
	TotalPeers      int   `json:"total_peers"`
	ConnectedPeers  int   `json:"connected_peers"`
	EventsForwarded int64 `json:"events_forwarded"`
	EventsRelayed   int64 `json:"events_relayed"`
	ForwardErrors   int64 `json:"forward_errors"`
}

// ── Forwarding ─────────────────────────────────

func (f *Federation) forwardLoop(ctx context.Context, sub *stream.Subscriber) {
	for evt := range sub.C() {
		// The forwarder must never run dry.
		sub.AddCredits(1)
		if evt.Relayed() {
			continue
		}
		for _, err := range f.BroadcastEvent(ctx, evt) {
			f.forwardErrors.Add(1)
			f.logger.Warn("federation forward failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ForwardEvent sends a locally emitted event to a specific peer and waits
// for its acknowledgement.
func (f *Federation) ForwardEvent(ctx context.Context, peerID string, evt *stream.Event) error {
	peer, ok := f.GetPeer(peerID)
	if !ok {
		return fmt.Errorf("dwp/federation: peer %q not found", peerID)
	}
	if _, ok := peer.connected(); !ok {
		return fmt.Errorf("dwp/federation: peer %q not connected", peerID)
	}

	data := FederationEventRequest{
		SourceID: f.localID,
		Event:    evt,
		Audience: evt.Audience(),
	}
	resp, err := f.peerRequest(ctx, peer, MethodFederationEvent, data)
	if err != nil {
		return fmt.Errorf("dwp/federation: forward event to %q: %w", peerID, err)
	}
	if resp.Type == FrameErr {
		msg := "unknown error"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return fmt.Errorf("dwp/federation: peer %q rejected event: %s", peerID, msg)
	}

	f.eventsForwarded.Add(1)
	return nil
}

// BroadcastEvent sends an event to every connected peer concurrently.
func (f *Federation) BroadcastEvent(ctx context.Context, evt *stream.Event) []error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	f.peers.Range(func(key, value any) bool {
		peerID := key.(string) //nolint:errcheck // sync.Map key is always string
		if _, ok := value.(*Peer).connected(); !ok {
			return true
		}
		g.Go(func() error {
			if err := f.ForwardEvent(ctx, peerID, evt); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
		return true
	})
	_ = g.Wait()
	return errs
}

// ── Connection Management ──────────────────────

func (f *Federation) connectPeer(ctx context.Context, peer *Peer) error {
	peer.setState(PeerStateConnecting)

	conn, _, _, err := ws.Dial(ctx, peer.URL)
	if err != nil {
		peer.setState(PeerStateDisconnected)
		return fmt.Errorf("dwp/federation: dial %q: %w", peer.ID, err)
	}

	fail := func(err error) error {
		conn.Close()
		peer.setState(PeerStateDisconnected)
		return err
	}

	// Authenticate with the peer.
	authFrame := &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameRequest,
		Method:    MethodAuth,
		Data:      mustMarshalJSON(AuthRequest{Token: peer.Token, Format: CodecNameJSON}),
		Timestamp: time.Now().UTC(),
	}
	if err := peer.write(conn, authFrame); err != nil {
		return fail(fmt.Errorf("dwp/federation: auth write %q: %w", peer.ID, err))
	}

	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return fail(fmt.Errorf("dwp/federation: auth read %q: %w", peer.ID, err))
	}
	var resp Frame
	if err := json.Unmarshal(data, &resp); err != nil {
		return fail(fmt.Errorf("dwp/federation: auth parse %q: %w", peer.ID, err))
	}
	if resp.Type == FrameErr {
		msg := "auth failed"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return fail(fmt.Errorf("dwp/federation: %s at %q", msg, peer.ID))
	}

	peer.mu.Lock()
	peer.conn = conn
	peer.State = PeerStateConnected
	peer.LastSeen = time.Now().UTC()
	peer.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.peerReadLoop(peer, conn)
	}()

	f.logger.Info("federation peer connected",
		slog.String("peer_id", peer.ID),
		slog.String("url", peer.URL),
	)
	return nil
}

func (f *Federation) disconnectPeer(peer *Peer) {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	if peer.conn != nil {
		peer.conn.Close()
		peer.conn = nil
	}
	peer.State = PeerStateDisconnected
}

func (f *Federation) peerReadLoop(peer *Peer, conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			current, _ := peer.connected()
			if current != conn {
				// Closed on purpose by disconnectPeer.
				return
			}
			f.logger.Warn("federation peer read error",
				slog.String("peer_id", peer.ID),
				slog.String("error", err.Error()),
			)
			f.disconnectPeer(peer)
			f.scheduleReconnect(peer)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		peer.mu.Lock()
		peer.LastSeen = time.Now().UTC()
		peer.mu.Unlock()

		switch frame.Type {
		case FrameResponse, FrameErr:
			if val, ok := peer.pending.LoadAndDelete(frame.CorrelID); ok {
				ch := val.(chan *Frame) //nolint:errcheck // pending map always stores chan *Frame
				ch <- &frame
			}
		case FramePong:
			// Heartbeat response; LastSeen is already updated.
		}
	}
}

func (f *Federation) scheduleReconnect(peer *Peer) {
	if f.ctx.Err() != nil {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.reconnectPeer(f.ctx, peer)
	}()
}

func (f *Federation) reconnectPeer(ctx context.Context, peer *Peer) {
	backoff := f.reconnectBackoff
	for {
		// Don't reconnect if peer was removed.
		if _, exists := f.peers.Load(peer.ID); !exists {
			return
		}
		if _, ok := peer.connected(); ok {
			return
		}

		f.logger.Info("federation reconnecting to peer",
			slog.String("peer_id", peer.ID),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := f.connectPeer(ctx, peer); err != nil {
			backoff = min(backoff*2, f.maxReconnect)
			continue
		}
		return
	}
}

// ── Request/Response ───────────────────────────

var errPeerGone = errors.New("peer not connected")

func (f *Federation) peerRequest(ctx context.Context, peer *Peer, method string, data any) (*Frame, error) {
	frame, err := NewRequestFrame(GenerateFrameID(), method, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Frame, 1)
	peer.pending.Store(frame.ID, ch)
	defer peer.pending.Delete(frame.ID)

	conn, ok := peer.connected()
	if !ok {
		return nil, errPeerGone
	}
	if err := peer.write(conn, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(f.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timed out")
	}
}

// ── Heartbeat ──────────────────────────────────

func (f *Federation) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sendHeartbeats()
		}
	}
}

func (f *Federation) sendHeartbeats() {
	f.peers.Range(func(_, value any) bool {
		peer := value.(*Peer) //nolint:errcheck // sync.Map always stores *Peer
		conn, ok := peer.connected()
		if !ok {
			return true
		}

		heartbeat := &Frame{
			ID:        GenerateFrameID(),
			Type:      FramePing,
			Method:    MethodFederationHeartbeat,
			Timestamp: time.Now().UTC(),
			Data:      mustMarshalJSON(FederationHeartbeatRequest{PeerID: f.localID}),
		}
		if err := peer.write(conn, heartbeat); err != nil {
			f.logger.Warn("federation heartbeat failed",
				slog.String("peer_id", peer.ID),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
}

func (f *Federation) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(f.heartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkPeerHealth()
		}
	}
}

func (f *Federation) checkPeerHealth() {
	now := time.Now().UTC()
	f.peers.Range(func(_, value any) bool {
		peer := value.(*Peer) //nolint:errcheck // sync.Map always stores *Peer
		peer.mu.RLock()
		state := peer.State
		lastSeen := peer.LastSeen
		peer.mu.RUnlock()

		if state == PeerStateConnected && now.Sub(lastSeen) > f.heartbeatTimeout {
			f.logger.Warn("federation peer timed out",
				slog.String("peer_id", peer.ID),
				slog.Duration("since_last_seen", now.Sub(lastSeen)),
			)
			f.disconnectPeer(peer)
			f.scheduleReconnect(peer)
		}
		return true
	})
}

// ── Incoming Federation Handlers ───────────────

// HandleFederationEvent relays an event forwarded by a peer to the local
// subscribers of its topic and audience.
func (f *Federation) HandleFederationEvent(frame *Frame) *Frame {
	var req FederationEventRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid federation event: "+err.Error())
	}
	if req.Event == nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid federation event: missing event")
	}
	if req.SourceID != "" && req.SourceID == f.localID {
		return mustResponseFrame(frame.ID, FederationEventResponse{Status: "ignored"})
	}

	delivered := f.broker.Relay(req.Event, req.Audience)
	f.eventsRelayed.Add(1)
	return mustResponseFrame(frame.ID, FederationEventResponse{
		Status:    "relayed",
		Delivered: delivered,
	})
}

// HandleFederationHeartbeat processes an incoming federation.heartbeat.
func (f *Federation) HandleFederationHeartbeat(frame *Frame) *Frame {
	var req FederationHeartbeatRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid heartbeat: "+err.Error())
	}

	// Update the peer's LastSeen if we know about it.
	if peer, ok := f.GetPeer(req.PeerID); ok {
		peer.mu.Lock()
		peer.LastSeen = time.Now().UTC()
		peer.mu.Unlock()
	}

	return mustResponseFrame(frame.ID, map[string]string{
		"status":  "ok",
		"peer_id": f.localID,
	})
}

// ── Federation Request/Response Types ──────────

// FederationEventRequest carries one event from the node that emitted it.
type FederationEventRequest struct {
	SourceID string        `json:"source_id"` // ID of the originating peer
	Event    *stream.Event `json:"event"`
	Audience []string      `json:"audience,omitempty"`
}

// FederationEventResponse acknowledges a relayed event.
type FederationEventResponse struct {
	Status    string `json:"status"`
	Delivered int    `json:"delivered"`
}

// FederationHeartbeatRequest is a periodic liveness signal.
type FederationHeartbeatRequest struct {
	PeerID string `json:"peer_id"`
}

// ── Helpers ────────────────────────────────────

func mustMarshalJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("dwp/federation: marshal: " + err.Error())
	}
	return data
}
