package dwp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/taskhub/dispatch/engine"
	"github.com/taskhub/dispatch/notify"
	"github.com/taskhub/dispatch/stream"
)

const readTimeout = 5 * time.Second

// ── Test Helpers ──────────────────────────────────────

func startServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	s, _ := testServer(t)
	srv := httptest.NewServer(s.HTTPHandler())
	t.Cleanup(srv.Close)
	return srv, s
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/dwp"
}

// wsClient is a minimal DWP client speaking one codec.
type wsClient struct {
	t     *testing.T
	conn  net.Conn
	codec Codec
}

func connect(t *testing.T, srv *httptest.Server, codec Codec) *wsClient {
	t.Helper()
	conn, _, _, err := ws.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn, codec: codec}
}

func (c *wsClient) writeJSON(frame *Frame) {
	c.t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) write(frame *Frame) {
	c.t.Helper()
	data, err := c.codec.Encode(frame)
	if err != nil {
		c.t.Fatal(err)
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}
	if err := wsutil.WriteClientMessage(c.conn, op, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) read() *Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	data, _, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	frame, err := c.codec.Decode(data)
	if err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return frame
}

// login sends the auth frame and returns the server's first answer.
func (c *wsClient) login(token string) *Frame {
	c.t.Helper()
	frame, err := NewRequestFrame(GenerateFrameID(), MethodAuth, AuthRequest{Token: token, Format: c.codec.Name()})
	if err != nil {
		c.t.Fatal(err)
	}
	c.writeJSON(frame)
	return c.read()
}

func dial(t *testing.T, srv *httptest.Server, token string) (*wsClient, AuthResponse) {
	t.Helper()
	c := connect(t, srv, &JSONCodec{})
	return c, decodeFrame[AuthResponse](t, c.login(token))
}

// call sends a request frame and waits for its answer, skipping events.
func (c *wsClient) call(method string, data any) *Frame {
	c.t.Helper()
	frame, err := NewRequestFrame(GenerateFrameID(), method, data)
	if err != nil {
		c.t.Fatal(err)
	}
	c.write(frame)
	for {
		f := c.read()
		if f.CorrelID == frame.ID {
			return f
		}
	}
}

// await reads until an event of type typ arrives.
func (c *wsClient) await(typ stream.EventType) *stream.Event {
	c.t.Helper()
	for {
		f := c.read()
		if f.Type != FrameEvent {
			continue
		}
		var evt stream.Event
		if err := json.Unmarshal(f.Data, &evt); err != nil {
			c.t.Fatalf("event data %s: %v", f.Data, err)
		}
		if evt.Topic != f.Channel {
			c.t.Fatalf("frame channel %q, event topic %q", f.Channel, evt.Topic)
		}
		if evt.Type == typ {
			return &evt
		}
	}
}

func rpc(t *testing.T, srv *httptest.Server, token, method string, data any) (int, *Frame) {
	t.Helper()
	frame, err := NewRequestFrame(GenerateFrameID(), method, data)
	if err != nil {
		t.Fatal(err)
	}
	frame.Token = token
	body, _ := json.Marshal(frame)

	resp, err := http.Post(srv.URL+"/dwp/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST rpc: %v", err)
	}
	defer resp.Body.Close()

	var out Frame
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode rpc response: %v", err)
	}
	return resp.StatusCode, &out
}

// ── WebSocket ─────────────────────────────────────────

func TestServer_AuthFailure(t *testing.T) {
	srv, _ := startServer(t)
	c := connect(t, srv, &JSONCodec{})

	f := c.login("wrong-token")
	if f.Type != FrameErr || f.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("auth with a bad token = %+v, want 401", f)
	}
}

func TestServer_FirstFrameMustBeAuth(t *testing.T) {
	srv, _ := startServer(t)
	c := connect(t, srv, &JSONCodec{})

	frame, _ := NewRequestFrame("f-1", MethodStats, nil)
	frame.Token = adminToken
	c.writeJSON(frame)

	f := c.read()
	if f.Type != FrameErr || f.Error.Code != ErrCodeBadRequest || f.CorrelID != "f-1" {
		t.Fatalf("first frame = %+v, want 400", f)
	}
}

func TestServer_AuthSubscribesOwnTopics(t *testing.T) {
	srv, s := startServer(t)

	tests := []struct {
		token    string
		subject  string
		channels []string
	}{
		{giverToken, "giver-1", []string{stream.GiverTopic("giver-1")}},
		{doerAToken, "doer-a", []string{stream.DoerTopic("doer-a")}},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			_, resp := dial(t, srv, tt.token)
			if resp.Subject != tt.subject || resp.Format != CodecNameJSON || resp.SessionID == "" {
				t.Fatalf("auth response = %+v", resp)
			}
			if len(resp.Channels) != len(tt.channels) || resp.Channels[0] != tt.channels[0] {
				t.Fatalf("Channels = %v, want %v", resp.Channels, tt.channels)
			}
			conn, ok := s.Connections().Get(resp.SessionID)
			if !ok {
				t.Fatal("connection not registered")
			}
			if conn.Subject() != tt.subject {
				t.Fatalf("Subject = %q", conn.Subject())
			}
		})
	}
}

func TestServer_OfferAcceptOverWebSocket(t *testing.T) {
	srv, _ := startServer(t)

	doer, _ := dial(t, srv, doerAToken)
	giverConn, _ := dial(t, srv, giverToken)

	if f := doer.call(MethodDoerHeartbeat, HeartbeatRequest{
		Online:   true,
		Location: onlineAt(52.1512),
	}); f.Type != FrameResponse {
		t.Fatalf("heartbeat: %+v", f.Error)
	}

	created := decodeFrame[*engine.Created](t, giverConn.call(MethodRequestCreate, tapInput()))
	if created.OffersSent != 1 {
		t.Fatalf("OffersSent = %d, want 1", created.OffersSent)
	}

	evt := doer.await(stream.EventType(notify.KindOfferCreated))
	var note stream.NotificationData
	if err := json.Unmarshal(evt.Data, &note); err != nil {
		t.Fatalf("notification data: %v", err)
	}
	if note.RequestID != created.Request.ID.String() {
		t.Fatalf("offer for %q, want %q", note.RequestID, created.Request.ID)
	}

	accepted := decodeFrame[engine.Accepted](t, doer.call(MethodOfferAccept, RequestRef{RequestID: note.RequestID}))
	if accepted.Request.MatchedDoerID != "doer-a" {
		t.Fatalf("MatchedDoerID = %q", accepted.Request.MatchedDoerID)
	}

	matched := giverConn.await(stream.EventRequestMatched)
	var data stream.RequestEventData
	if err := json.Unmarshal(matched.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.MatchedDoerID != "doer-a" || data.RequestID != note.RequestID {
		t.Fatalf("request.matched = %+v", data)
	}
}

func TestServer_ScopeEnforced(t *testing.T) {
	srv, _ := startServer(t)
	doer, _ := dial(t, srv, doerAToken)

	f := doer.call(MethodRequestCreate, tapInput())
	if !IsCode(f, "forbidden") || f.Error.Code != ErrCodeForbidden {
		t.Fatalf("doer creating a request = %+v, want forbidden", f.Error)
	}

	// The connection stays usable.
	if f := doer.call(MethodOfferPending, nil); f.Type != FrameResponse {
		t.Fatalf("pending after forbidden: %+v", f.Error)
	}
}

func TestServer_PingPong(t *testing.T) {
	srv, _ := startServer(t)
	c, _ := dial(t, srv, giverToken)

	c.write(&Frame{ID: "ping-1", Type: FramePing, Timestamp: time.Now().UTC()})
	f := c.read()
	if f.Type != FramePong || f.CorrelID != "ping-1" {
		t.Fatalf("pong = %+v", f)
	}
}

func TestServer_SubscribeAddsTopic(t *testing.T) {
	srv, s := startServer(t)
	operator, resp := dial(t, srv, adminToken)

	sub := decodeFrame[SubscribeResponse](t, operator.call(MethodSubscribe, SubscribeRequest{Channel: stream.TopicRequests}))
	if sub.Status != "subscribed" {
		t.Fatalf("subscribe = %+v", sub)
	}
	conn, _ := s.Connections().Get(resp.SessionID)
	if !contains(conn.Subscriptions(), stream.TopicRequests) {
		t.Fatalf("Subscriptions = %v", conn.Subscriptions())
	}

	giverConn, _ := dial(t, srv, giverToken)
	giverConn.call(MethodRequestCreate, tapInput())
	evt := operator.await(stream.EventRequestCreated)
	if evt.Topic == "" {
		t.Fatal("event without topic")
	}

	operator.call(MethodUnsubscribe, UnsubscribeRequest{Channel: stream.TopicRequests})
	if contains(conn.Subscriptions(), stream.TopicRequests) {
		t.Fatalf("Subscriptions after unsubscribe = %v", conn.Subscriptions())
	}
}

func TestServer_MsgpackCodec(t *testing.T) {
	srv, _ := startServer(t)
	c := connect(t, srv, &MsgpackCodec{})

	resp := decodeFrame[AuthResponse](t, c.login(doerAToken))
	if resp.Format != CodecNameMsgpack {
		t.Fatalf("Format = %q, want msgpack", resp.Format)
	}

	pending := decodeFrame[[]json.RawMessage](t, c.call(MethodOfferPending, nil))
	if len(pending) != 0 {
		t.Fatalf("pending = %v", pending)
	}
}

// ── HTTP RPC ──────────────────────────────────────────

func TestServer_OfflineOnDisconnect(t *testing.T) {
	eng := testEngine(t)
	s := NewServer(eng, WithAuth(testAuthenticator()), WithLogger(testLogger()), WithOfflineOnDisconnect())
	srv := httptest.NewServer(s.HTTPHandler())
	t.Cleanup(srv.Close)

	first, _ := dial(t, srv, doerAToken)
	second, _ := dial(t, srv, doerAToken)
	online(t, s.Handler(), doerA, origin.Lat)

	isOnline := func() bool {
		a, err := eng.Availability().Get(context.Background(), doerA.Subject)
		return err == nil && a.Online
	}

	first.conn.Close()
	eventually(t, "first connection dropped", func() bool { return s.Connections().Count() == 1 })
	if !isOnline() {
		t.Fatal("doer went offline while a second connection was open")
	}

	second.conn.Close()
	eventually(t, "doer offline", func() bool { return !isOnline() })
}

func TestServer_IdleTimeout(t *testing.T) {
	eng := testEngine(t)
	s := NewServer(eng, WithAuth(testAuthenticator()), WithLogger(testLogger()), WithIdleTimeout(50*time.Millisecond))
	srv := httptest.NewServer(s.HTTPHandler())
	t.Cleanup(srv.Close)

	dial(t, srv, giverToken)
	if s.Connections().Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Connections().Count())
	}
	eventually(t, "idle connection closed", func() bool { return s.Connections().Count() == 0 })
}

func TestServer_HTTPRPC(t *testing.T) {
	srv, _ := startServer(t)

	tests := []struct {
		name   string
		token  string
		method string
		data   any
		status int
	}{
		{"operator stats", adminToken, MethodStats, nil, http.StatusOK},
		{"doer stats", doerAToken, MethodStats, nil, http.StatusForbidden},
		{"bad token", "nope", MethodStats, nil, http.StatusUnauthorized},
		{"subscribe needs a stream", giverToken, MethodSubscribe, SubscribeRequest{Channel: stream.GiverTopic("giver-1")}, http.StatusBadRequest},
		{"giver lists requests", giverToken, MethodRequestList, RequestListRequest{}, http.StatusOK},
		{"create without location", giverToken, MethodRequestCreate, map[string]any{"title": "Tap", "category": "plumbing", "radius_km": 5}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, frame := rpc(t, srv, tt.token, tt.method, tt.data)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%+v)", status, tt.status, frame.Error)
			}
			if status == http.StatusOK && frame.Type != FrameResponse {
				t.Fatalf("frame = %+v", frame)
			}
		})
	}
}

// ── SSE ───────────────────────────────────────────────

func TestServer_SSE(t *testing.T) {
	srv, s := startServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/dwp/sse?token="+giverToken, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// The subscription exists once headers are flushed; wait for it.
	deadline := time.Now().Add(readTimeout)
	for s.Broker().Topics().SubscriberCount(stream.GiverTopic("giver-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	handle(t, s.Handler(), giver, MethodRequestCreate, tapInput())

	timeout := time.After(readTimeout)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before request.created")
			}
			if line == "event: "+string(stream.EventRequestCreated) {
				return
			}
		case <-timeout:
			t.Fatal("no request.created event")
		}
	}
}

func TestServer_SSEForbiddenChannel(t *testing.T) {
	srv, _ := startServer(t)

	resp, err := http.Get(srv.URL + "/dwp/sse?token=" + giverToken + "&channel=" + stream.TopicFirehose)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
