package dwp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskhub/dispatch/stream"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// federatedPair starts two nodes where node-a forwards to node-b.
func federatedPair(t *testing.T) (nodeA *Handler, fedA, fedB *Federation, brokerB *stream.Broker) {
	t.Helper()
	ctx := context.Background()

	engA := testEngine(t)
	engB := testEngine(t)

	fedB = NewFederation(engB.Broker(), testLogger(), WithLocalID("node-b"))
	srvB := NewServer(engB,
		WithAuth(testAuthenticator()),
		WithLogger(testLogger()),
		WithFederation(fedB),
	)
	httpB := httptest.NewServer(srvB.HTTPHandler())
	t.Cleanup(httpB.Close)

	fedA = NewFederation(engA.Broker(), testLogger(),
		WithLocalID("node-a"),
		WithLocalToken(adminToken),
		WithRequestTimeout(2*time.Second),
	)
	fedA.Start(ctx)
	t.Cleanup(fedA.Stop)

	if err := fedA.AddPeer(ctx, "node-b", wsURL(httpB), "", map[string]string{"region": "test"}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	return NewHandler(engA, testLogger()), fedA, fedB, engB.Broker()
}

func TestFederation_RelaysEventsToPeer(t *testing.T) {
	nodeA, fedA, fedB, brokerB := federatedPair(t)

	stats := fedA.Stats()
	if stats.TotalPeers != 1 || stats.ConnectedPeers != 1 {
		t.Fatalf("stats = %+v, want one connected peer", stats)
	}
	peer, ok := fedA.GetPeer("node-b")
	if !ok || peer.Metadata["region"] != "test" {
		t.Fatalf("GetPeer = %+v, %v", peer, ok)
	}

	// The giver's socket lives on node-b; the request is created on node-a.
	sub := brokerB.Subscribe("remote-giver", stream.GiverTopic("giver-1"))
	defer brokerB.RemoveSubscriber("remote-giver")

	created := create(t, nodeA)

	timeout := time.After(readTimeout)
	for {
		select {
		case evt := <-sub.C():
			if evt.Type != stream.EventRequestCreated {
				continue
			}
			if !evt.Relayed() {
				t.Fatal("event on node-b is not marked relayed")
			}
			var data stream.RequestEventData
			if err := json.Unmarshal(evt.Data, &data); err != nil {
				t.Fatal(err)
			}
			if data.RequestID != created.Request.ID.String() {
				t.Fatalf("relayed %q, want %q", data.RequestID, created.Request.ID)
			}
			eventually(t, "relay counter", func() bool { return fedB.Stats().EventsRelayed > 0 })
			eventually(t, "forward counter", func() bool { return fedA.Stats().EventsForwarded > 0 })
			if errs := fedA.Stats().ForwardErrors; errs != 0 {
				t.Fatalf("ForwardErrors = %d", errs)
			}
			return
		case <-timeout:
			t.Fatal("request.created never reached node-b")
		}
	}
}

func TestFederation_RemovePeer(t *testing.T) {
	_, fedA, _, _ := federatedPair(t)

	fedA.RemovePeer("node-b")
	if _, ok := fedA.GetPeer("node-b"); ok {
		t.Fatal("peer still registered")
	}
	if n := len(fedA.Peers()); n != 0 {
		t.Fatalf("Peers = %d, want 0", n)
	}

	err := fedA.ForwardEvent(context.Background(), "node-b", &stream.Event{Type: stream.EventRequestCreated})
	if err == nil {
		t.Fatal("forwarding to a removed peer succeeded")
	}
}

func TestFederation_AddPeerRejected(t *testing.T) {
	s, _ := testServer(t)
	srv := httptest.NewServer(s.HTTPHandler())
	t.Cleanup(srv.Close)

	fed := NewFederation(s.Broker(), testLogger(), WithLocalID("node-a"), WithLocalToken("wrong"))
	if err := fed.AddPeer(context.Background(), "node-b", wsURL(srv), "", nil); err == nil {
		t.Fatal("AddPeer with a bad token succeeded")
	}
	peer, ok := fed.GetPeer("node-b")
	if !ok || peer.State != PeerStateDisconnected {
		t.Fatalf("peer = %+v, want disconnected", peer)
	}
	if stats := fed.Stats(); stats.ConnectedPeers != 0 {
		t.Fatalf("ConnectedPeers = %d", stats.ConnectedPeers)
	}
}

func TestFederation_HandleFederationEvent(t *testing.T) {
	broker := stream.NewBroker(testLogger())
	fed := NewFederation(broker, testLogger(), WithLocalID("node-a"))
	sub := broker.Subscribe("giver-sub", stream.GiverTopic("giver-1"))

	evt := &stream.Event{
		Type:      stream.EventRequestCreated,
		Timestamp: time.Now().UTC(),
		Topic:     stream.RequestTopic("ireq_1"),
		Data:      json.RawMessage(`{"request_id":"ireq_1"}`),
	}

	tests := []struct {
		name      string
		req       any
		status    string
		delivered int
		errCode   int
	}{
		{"own event is ignored", FederationEventRequest{SourceID: "node-a", Event: evt}, "ignored", 0, 0},
		{"peer event is relayed", FederationEventRequest{SourceID: "node-b", Event: evt, Audience: []string{stream.GiverTopic("giver-1")}}, "relayed", 1, 0},
		{"missing event", FederationEventRequest{SourceID: "node-b"}, "", 0, ErrCodeBadRequest},
		{"malformed payload", []int{1}, "", 0, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := NewRequestFrame(GenerateFrameID(), MethodFederationEvent, tt.req)
			if err != nil {
				t.Fatal(err)
			}
			resp := fed.HandleFederationEvent(frame)
			if tt.errCode != 0 {
				if resp.Type != FrameErr || resp.Error.Code != tt.errCode {
					t.Fatalf("resp = %+v, want %d", resp.Error, tt.errCode)
				}
				return
			}
			out := decodeFrame[FederationEventResponse](t, resp)
			if out.Status != tt.status || out.Delivered != tt.delivered {
				t.Fatalf("resp = %+v, want %s/%d", out, tt.status, tt.delivered)
			}
		})
	}

	select {
	case got := <-sub.C():
		if !got.Relayed() || got.Type != stream.EventRequestCreated {
			t.Fatalf("got %+v", got)
		}
	default:
		t.Fatal("relayed event not delivered")
	}
	if relayed := fed.Stats().EventsRelayed; relayed != 1 {
		t.Fatalf("EventsRelayed = %d, want 1", relayed)
	}
}

func TestFederation_HandleHeartbeat(t *testing.T) {
	fed := NewFederation(stream.NewBroker(testLogger()), testLogger(), WithLocalID("node-a"))

	frame, _ := NewRequestFrame("hb-1", MethodFederationHeartbeat, FederationHeartbeatRequest{PeerID: "node-b"})
	out := decodeFrame[map[string]string](t, fed.HandleFederationHeartbeat(frame))
	if out["status"] != "ok" || out["peer_id"] != "node-a" {
		t.Fatalf("heartbeat = %v", out)
	}
}
