// Package client provides a Go client for giver and doer apps connecting
// to a dispatchd node via the Dispatch Wire Protocol (DWP) over WebSocket.
//
// Usage:
//
//	c, err := client.Dial("wss://api.example.com/dwp",
//	    client.WithToken("dk_..."),
//	    client.WithLocationSampler(sampler),
//	)
//	defer c.Close()
//
//	// Ask for help nearby; the location comes from the sampler.
//	created, err := c.CreateRequest(ctx, request.Input{
//	    Title:    "Fix a leaking tap",
//	    Category: "plumbing",
//	    Urgency:  request.UrgencyASAP,
//	    RadiusKm: 10,
//	})
//
//	// Wait for a doer to accept.
//	evt, err := c.WaitFor(ctx, client.EventOfType(stream.EventRequestMatched))
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/taskhub/dispatch/dwp"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/stream"
)

// Client is a DWP client that communicates with a remote dispatchd node.
type Client struct {
	url         string
	token       string
	format      string
	logger      *slog.Logger
	locations   *geo.Sampler
	eventBuffer int
	authTimeout time.Duration

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// Connection state.
	conn      net.Conn
	codec     dwp.Codec
	mu        sync.Mutex
	closed    atomic.Bool
	sessionID string
	subject   string

	// Request-response correlation.
	pending sync.Map // frameID → chan *dwp.Frame

	// Extra subscriptions, restored after a reconnect.
	subs sync.Map // channel → struct{}

	// Every event the connection receives.
	events   chan *stream.Event
	eventsMu sync.RWMutex
}

// Dial connects to a DWP server and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a DWP server with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:         url,
		format:      dwp.CodecNameJSON,
		logger:      slog.Default(),
		eventBuffer: 256,
		authTimeout: 10 * time.Second,
		maxRetries:  5,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan *stream.Event, c.eventBuffer)

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("dispatch/client: dial: %w", err)
	}

	// Start the read loop.
	go c.readLoop(c.conn)

	return c, nil
}

// connect establishes the WebSocket connection and sends the auth frame.
// It reads the auth response directly since the readLoop hasn't started yet.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Auth frames are always JSON.
	authData, marshalErr := json.Marshal(dwp.AuthRequest{
		Token:  c.token,
		Format: c.format,
	})
	if marshalErr != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal auth request: %w", marshalErr)
	}
	authFrame := &dwp.Frame{
		ID:        dwp.GenerateFrameID(),
		Type:      dwp.FrameRequest,
		Method:    dwp.MethodAuth,
		Data:      authData,
		Timestamp: time.Now().UTC(),
	}

	c.mu.Lock()
	c.conn = conn
	c.codec = &dwp.JSONCodec{}
	c.mu.Unlock()

	if writeErr := c.writeFrame(authFrame); writeErr != nil {
		_ = conn.Close()
		return fmt.Errorf("write auth frame: %w", writeErr)
	}

	type readResult struct {
		resp *dwp.Frame
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		frame, readErr := readFrame(conn)
		if readErr != nil {
			resultCh <- readResult{err: fmt.Errorf("read auth response: %w", readErr)}
			return
		}
		resultCh <- readResult{resp: frame}
	}()

	timer := time.NewTimer(c.authTimeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.err != nil {
			_ = conn.Close()
			return result.err
		}
		resp := result.resp
		if resp.Type == dwp.FrameErr {
			_ = conn.Close()
			return errorFromFrame(resp)
		}
		var authResp dwp.AuthResponse
		if len(resp.Data) > 0 {
			if unmarshalErr := json.Unmarshal(resp.Data, &authResp); unmarshalErr != nil {
				c.logger.Warn("failed to unmarshal auth response", slog.String("error", unmarshalErr.Error()))
			}
		}

		c.mu.Lock()
		c.codec = dwp.GetCodec(authResp.Format)
		c.sessionID = authResp.SessionID
		c.subject = authResp.Subject
		c.mu.Unlock()

		c.logger.Info("DWP client connected",
			slog.String("session_id", authResp.SessionID),
			slog.String("subject", authResp.Subject),
			slog.String("format", authResp.Format),
		)
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-timer.C:
		_ = conn.Close()
		return fmt.Errorf("auth timeout")
	}
}

// readFrame reads one server message. Text messages are JSON frames and
// binary messages are msgpack frames.
func readFrame(conn net.Conn) (*dwp.Frame, error) {
	data, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		return nil, err
	}
	var codec dwp.Codec = &dwp.JSONCodec{}
	if op == ws.OpBinary {
		codec = &dwp.MsgpackCodec{}
	}
	return codec.Decode(data)
}

// readLoop reads frames from the WebSocket and dispatches them.
func (c *Client) readLoop(conn net.Conn) {
	for {
		if c.closed.Load() {
			return
		}

		frame, err := readFrame(conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("DWP client read error", slog.String("error", err.Error()))
			c.failPending()
			if c.reconnect {
				c.tryReconnect()
			}
			return
		}

		// Route the frame.
		switch frame.Type {
		case dwp.FrameResponse, dwp.FrameErr:
			// Correlate with pending request.
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *dwp.Frame) //nolint:errcheck // pending map always stores chan *dwp.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case dwp.FrameEvent:
			var evt stream.Event
			if err := json.Unmarshal(frame.Data, &evt); err != nil {
				c.logger.Warn("DWP client: invalid event", slog.String("error", err.Error()))
				continue
			}
			c.deliver(&evt)
		case dwp.FramePong:
			// Ignore pong frames.
		}
	}
}

// deliver hands an event to Events without blocking the read loop.
func (c *Client) deliver(evt *stream.Event) {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("DWP client: event dropped, consumer is slow",
			slog.String("type", string(evt.Type)),
			slog.String("topic", evt.Topic),
		)
	}
}

// failPending answers every in-flight request with a network error frame.
func (c *Client) failPending() {
	c.pending.Range(func(key, val any) bool {
		ch := val.(chan *dwp.Frame) //nolint:errcheck // pending map always stores chan *dwp.Frame
		f := dwp.NewErrorFrame(key.(string), dwp.ErrCodeUnavailable, "connection lost") //nolint:errcheck // pending keys are frame IDs
		f.Error.Details = "network_error"
		select {
		case ch <- f:
		default:
		}
		return true
	})
}

// tryReconnect attempts to reconnect with exponential backoff and restores
// extra subscriptions. Own topics are restored by the server on auth.
func (c *Client) tryReconnect() {
	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("DWP client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)
		if c.closed.Load() {
			return
		}

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("DWP client reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}

		c.logger.Info("DWP client reconnected")
		go c.readLoop(c.conn)
		go c.resubscribe()
		return
	}
	c.logger.Error("DWP client: max reconnection attempts reached")
}

func (c *Client) resubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), c.authTimeout)
	defer cancel()
	c.subs.Range(func(key, _ any) bool {
		channel := key.(string) //nolint:errcheck // subs keys are channels
		if _, err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{Channel: channel}); err != nil {
			c.logger.Warn("DWP client resubscribe failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
}

// request sends a request frame and waits for the correlated response.
// Error frames are returned as errors wrapping the matching dispatch
// sentinel.
func (c *Client) request(ctx context.Context, method string, data any) (*dwp.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame := &dwp.Frame{
		ID:        dwp.GenerateFrameID(),
		Type:      dwp.FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal request data: %w", err)
		}
		frame.Data = raw
	}

	respCh := make(chan *dwp.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == dwp.FrameErr {
			return nil, errorFromFrame(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call sends a request and decodes the response data into out.
func (c *Client) call(ctx context.Context, method string, data, out any) error {
	resp, err := c.request(ctx, method, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("dispatch/client: unmarshal %s response: %w", method, err)
	}
	return nil
}

// writeFrame encodes a frame with the negotiated codec and sends it.
func (c *Client) writeFrame(frame *dwp.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("dispatch/client: %w", errClosed)
	}
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Subject returns the giver or doer ID the server authenticated.
func (c *Client) Subject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subject
}

// Close closes the client connection. The Events channel is closed.
func (c *Client) Close() error {
	c.eventsMu.Lock()
	if c.closed.Swap(true) {
		c.eventsMu.Unlock()
		return nil // already closed
	}
	close(c.events)
	c.eventsMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
