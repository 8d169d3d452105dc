package dwp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/broadcast"
	"github.com/taskhub/dispatch/engine"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/request"
	"github.com/taskhub/dispatch/store/memory"
	"github.com/taskhub/dispatch/stream"
)

const (
	giverToken = "tok-giver"
	doerAToken = "tok-doer-a"
	doerBToken = "tok-doer-b"
	doerCToken = "tok-doer-c"
	adminToken = "tok-admin"
)

var (
	giver  = &auth.Identity{Subject: "giver-1", Scopes: []string{auth.ScopeGiver}}
	doerA  = &auth.Identity{Subject: "doer-a", Scopes: []string{auth.ScopeDoer}}
	doerB  = &auth.Identity{Subject: "doer-b", Scopes: []string{auth.ScopeDoer}}
	doerC  = &auth.Identity{Subject: "doer-c", Scopes: []string{auth.ScopeDoer}}
	admin  = &auth.Identity{Subject: "ops", Scopes: []string{auth.ScopeAll}}
	origin = geo.Point{Lat: 52.1332, Lng: -106.67}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuthenticator() auth.Authenticator {
	return auth.NewAPIKeyAuthenticator(
		auth.APIKeyEntry{Token: giverToken, Identity: *giver},
		auth.APIKeyEntry{Token: doerAToken, Identity: *doerA},
		auth.APIKeyEntry{Token: doerBToken, Identity: *doerB},
		auth.APIKeyEntry{Token: doerCToken, Identity: *doerC},
		auth.APIKeyEntry{Token: adminToken, Identity: *admin},
	)
}

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()

	eng, err := engine.New(
		engine.WithStore(memory.New()),
		engine.WithConfig(dispatch.DefaultConfig()),
		engine.WithLogger(testLogger()),
		engine.WithoutMetricsExtension(),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { eng.Stop(context.Background()) }) //nolint:errcheck // test cleanup
	return eng
}

func testServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng := testEngine(t)
	return NewServer(eng, WithAuth(testAuthenticator()), WithLogger(testLogger())), eng
}

func handle(t *testing.T, h *Handler, who *auth.Identity, method string, data any) *Frame {
	t.Helper()
	frame, err := NewRequestFrame(GenerateFrameID(), method, data)
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		frame.Data = nil
	}
	resp := h.Handle(context.Background(), frame, NewConnection("conn-"+who.Subject, who, &JSONCodec{}))
	if resp == nil {
		t.Fatalf("%s: nil response", method)
	}
	if resp.CorrelID != frame.ID {
		t.Fatalf("%s: CorrelID = %q, want %q", method, resp.CorrelID, frame.ID)
	}
	return resp
}

func decodeFrame[T any](t *testing.T, f *Frame) T {
	t.Helper()
	if f.Type != FrameResponse {
		t.Fatalf("frame type = %s, error = %+v", f.Type, f.Error)
	}
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", f.Data, err)
	}
	return v
}

func onlineAt(lat float64) geo.Position {
	return geo.Position{Point: geo.Point{Lat: lat, Lng: origin.Lng}}
}

func online(t *testing.T, h *Handler, who *auth.Identity, lat float64) {
	t.Helper()
	resp := handle(t, h, who, MethodDoerHeartbeat, HeartbeatRequest{
		Online:   true,
		Location: onlineAt(lat),
	})
	if resp.Type != FrameResponse {
		t.Fatalf("heartbeat %s: %+v", who.Subject, resp.Error)
	}
}

func tapInput() request.Input {
	loc := origin
	return request.Input{
		Title:    "Fix a leaking tap",
		Category: "plumbing",
		Location: &loc,
		Urgency:  request.UrgencyASAP,
		RadiusKm: 10,
	}
}

func create(t *testing.T, h *Handler) *engine.Created {
	t.Helper()
	return decodeFrame[*engine.Created](t, handle(t, h, giver, MethodRequestCreate, tapInput()))
}

func ref(c *engine.Created) RequestRef {
	return RequestRef{RequestID: c.Request.ID.String()}
}

func TestHandler_UnknownMethod(t *testing.T) {
	s, _ := testServer(t)

	resp := handle(t, s.Handler(), admin, "nope.nothing", nil)
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("resp = %+v, want 405", resp.Error)
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	s, _ := testServer(t)

	frame, _ := NewRequestFrame("f-1", MethodStats, nil)
	resp := s.Handler().Handle(context.Background(), frame, NewConnection("anon", nil, &JSONCodec{}))
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp.Error)
	}
}

func TestHandler_BadPayload(t *testing.T) {
	s, _ := testServer(t)
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		data   any
	}{
		{"missing data", MethodOfferAccept, nil},
		{"malformed request ID", MethodOfferAccept, RequestRef{RequestID: "not-an-id"}},
		{"wrong payload shape", MethodDoerHeartbeat, []int{1, 2}},
		{"unknown list status", MethodRequestList, RequestListRequest{Status: "lost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			who := doerA
			if tt.method == MethodRequestList {
				who = giver
			}
			resp := handle(t, h, who, tt.method, tt.data)
			if !IsCode(resp, "bad_request") || resp.Error.Code != ErrCodeBadRequest {
				t.Fatalf("resp = %+v, want bad_request", resp.Error)
			}
		})
	}
}

func TestHandler_CreateWithoutLocation(t *testing.T) {
	s, _ := testServer(t)

	in := tapInput()
	in.Location = nil
	resp := handle(t, s.Handler(), giver, MethodRequestCreate, in)
	if !IsCode(resp, "location_unavailable") || resp.Error.Code != ErrCodeUnprocessable {
		t.Fatalf("resp = %+v, want location_unavailable", resp.Error)
	}
}

func TestHandler_AcceptRaceAndLifecycle(t *testing.T) {
	s, _ := testServer(t)
	h := s.Handler()
	online(t, h, doerA, 52.1512)
	online(t, h, doerB, 52.1782)

	created := create(t, h)
	if created.OffersSent != 2 {
		t.Fatalf("OffersSent = %d, want 2", created.OffersSent)
	}

	accepted := decodeFrame[engine.Accepted](t, handle(t, h, doerA, MethodOfferAccept, ref(created)))
	if accepted.Request.MatchedDoerID != "doer-a" {
		t.Fatalf("MatchedDoerID = %q", accepted.Request.MatchedDoerID)
	}
	if accepted.EstimatedArrivalMinutes == nil {
		t.Fatal("no arrival estimate for an online winner")
	}

	resp := handle(t, h, doerB, MethodOfferAccept, ref(created))
	if !IsCode(resp, "already_matched") || resp.Error.Code != ErrCodeConflict {
		t.Fatalf("loser resp = %+v, want already_matched", resp.Error)
	}

	// Only the matched doer walks the lifecycle.
	resp = handle(t, h, doerB, MethodRequestArriving, ref(created))
	if !IsCode(resp, "not_participant") {
		t.Fatalf("stranger arriving = %+v, want not_participant", resp.Error)
	}
	resp = handle(t, h, doerA, MethodRequestStart, ref(created))
	if !IsCode(resp, "invalid_transition") {
		t.Fatalf("start before arriving = %+v, want invalid_transition", resp.Error)
	}
	for _, method := range []string{MethodRequestArriving, MethodRequestStart, MethodRequestComplete} {
		if resp := handle(t, h, doerA, method, ref(created)); resp.Type != FrameResponse {
			t.Fatalf("%s: %+v", method, resp.Error)
		}
	}

	got := decodeFrame[request.Request](t, handle(t, h, giver, MethodRequestGet, ref(created)))
	if got.Status != request.StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}

	resp = handle(t, h, giver, MethodRequestCancel, ref(created))
	if !IsCode(resp, "invalid_transition") {
		t.Fatalf("cancel after completion = %+v, want invalid_transition", resp.Error)
	}
}

func TestHandler_DeclineAndPendingOffers(t *testing.T) {
	s, _ := testServer(t)
	h := s.Handler()
	online(t, h, doerA, 52.1512)
	online(t, h, doerB, 52.1782)
	created := create(t, h)

	pending := decodeFrame[[]broadcast.OfferPayload](t, handle(t, h, doerA, MethodOfferPending, nil))
	if len(pending) != 1 || pending[0].RequestID != created.Request.ID.String() {
		t.Fatalf("pending = %+v", pending)
	}

	status := decodeFrame[StatusResponse](t, handle(t, h, doerA, MethodOfferDecline, ref(created)))
	if status.Status != "declined" {
		t.Fatalf("decline status = %q", status.Status)
	}
	pending = decodeFrame[[]broadcast.OfferPayload](t, handle(t, h, doerA, MethodOfferPending, nil))
	if len(pending) != 0 {
		t.Fatalf("pending after decline = %+v", pending)
	}

	resp := handle(t, h, doerA, MethodOfferAccept, ref(created))
	if !IsCode(resp, "offer_declined") {
		t.Fatalf("accept after decline = %+v, want offer_declined", resp.Error)
	}

	// The giver cancels; the remaining offer can no longer win.
	cancelled := decodeFrame[request.Request](t, handle(t, h, giver, MethodRequestCancel, ref(created)))
	if cancelled.Status != request.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", cancelled.Status)
	}
	resp = handle(t, h, doerB, MethodOfferAccept, ref(created))
	if !IsCode(resp, "request_cancelled") {
		t.Fatalf("accept after cancel = %+v, want request_cancelled", resp.Error)
	}
}

func TestHandler_RequestVisibility(t *testing.T) {
	s, _ := testServer(t)
	h := s.Handler()
	online(t, h, doerA, 52.1512)
	created := create(t, h)

	tests := []struct {
		name   string
		who    *auth.Identity
		method string
		code   string
	}{
		{"giver reads", giver, MethodRequestGet, ""},
		{"offered doer reads", doerA, MethodRequestGet, ""},
		{"operator reads", admin, MethodRequestGet, ""},
		{"stranger cannot read", doerC, MethodRequestGet, "not_participant"},
		{"giver lists offers", giver, MethodRequestOffers, ""},
		{"operator lists offers", admin, MethodRequestOffers, ""},
		{"other giver cannot list offers", &auth.Identity{Subject: "giver-2", Scopes: []string{auth.ScopeGiver}}, MethodRequestOffers, "not_participant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handle(t, h, tt.who, tt.method, ref(created))
			if tt.code == "" {
				if resp.Type != FrameResponse {
					t.Fatalf("resp = %+v, want success", resp.Error)
				}
				return
			}
			if !IsCode(resp, tt.code) {
				t.Fatalf("resp = %+v, want %s", resp.Error, tt.code)
			}
		})
	}

	list := decodeFrame[[]*request.Request](t, handle(t, h, giver, MethodRequestList, RequestListRequest{Status: "searching"}))
	if len(list) != 1 || list[0].ID != created.Request.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestHandler_SubscribeAuthorization(t *testing.T) {
	s, _ := testServer(t)
	h := s.Handler()
	online(t, h, doerA, 52.1512)
	created := create(t, h)
	requestTopic := stream.RequestTopic(created.Request.ID.String())

	tests := []struct {
		name    string
		who     *auth.Identity
		channel string
		code    string
	}{
		{"own doer topic", doerA, stream.DoerTopic("doer-a"), ""},
		{"other doer topic", doerA, stream.DoerTopic("doer-b"), "forbidden"},
		{"own giver topic", giver, stream.GiverTopic("giver-1"), ""},
		{"other giver topic", giver, stream.GiverTopic("giver-2"), "forbidden"},
		{"giver request topic", giver, requestTopic, ""},
		{"offered doer request topic", doerA, requestTopic, ""},
		{"stranger request topic", doerC, requestTopic, "not_participant"},
		{"unknown request topic", giver, "request:ireq_missing", "bad_request"},
		{"firehose for participant", giver, stream.TopicFirehose, "forbidden"},
		{"firehose for operator", admin, stream.TopicFirehose, ""},
		{"malformed topic", admin, "jobs", "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handle(t, h, tt.who, MethodSubscribe, SubscribeRequest{Channel: tt.channel})
			if tt.code == "" {
				sub := decodeFrame[SubscribeResponse](t, resp)
				if sub.Channel != tt.channel || sub.Status != "subscribed" {
					t.Fatalf("subscribe = %+v", sub)
				}
				return
			}
			if !IsCode(resp, tt.code) {
				t.Fatalf("resp = %+v, want %s", resp.Error, tt.code)
			}
		})
	}

	unsub := decodeFrame[SubscribeResponse](t, handle(t, h, doerA, MethodUnsubscribe, UnsubscribeRequest{Channel: requestTopic}))
	if unsub.Status != "unsubscribed" {
		t.Fatalf("unsubscribe = %+v", unsub)
	}
}

func TestHandler_StatsAndFederation(t *testing.T) {
	s, _ := testServer(t)
	h := s.Handler()

	stats := decodeFrame[StatsResponse](t, handle(t, h, admin, MethodStats, nil))
	if stats.Connections != 0 || stats.Federation != nil {
		t.Fatalf("stats = %+v", stats)
	}

	for _, method := range []string{MethodFederationEvent, MethodFederationHeartbeat} {
		resp := handle(t, h, admin, method, map[string]string{})
		if resp.Type != FrameErr || resp.Error.Code != ErrCodeMethodNotFound {
			t.Fatalf("%s without federation = %+v, want 405", method, resp.Error)
		}
	}

	fed := NewFederation(s.Broker(), testLogger(), WithLocalID("node-a"))
	h.SetFederation(fed)
	stats = decodeFrame[StatsResponse](t, handle(t, h, admin, MethodStats, nil))
	if stats.Federation == nil || stats.Federation.TotalPeers != 0 {
		t.Fatalf("stats.Federation = %+v", stats.Federation)
	}
}

func TestHandler_PositionUpdatesEstimate(t *testing.T) {
	s, _ := testServer(t)
	h := s.Handler()
	online(t, h, doerA, 52.1512)
	created := create(t, h)
	decodeFrame[engine.Accepted](t, handle(t, h, doerA, MethodOfferAccept, ref(created)))

	pos := decodeFrame[PositionResponse](t, handle(t, h, doerA, MethodDoerPosition, geo.Position{
		Point: geo.Point{Lat: 52.1400, Lng: origin.Lng},
	}))
	if len(pos.Tracked) != 1 || pos.Tracked[0].Request.ID != created.Request.ID {
		t.Fatalf("tracked = %+v", pos.Tracked)
	}

	resp := handle(t, h, doerC, MethodDoerPosition, geo.Position{Point: origin})
	if !IsCode(resp, "doer_not_found") {
		t.Fatalf("unknown doer position = %+v, want doer_not_found", resp.Error)
	}

	offline := decodeFrame[StatusResponse](t, handle(t, h, doerA, MethodDoerOffline, nil))
	if offline.Status != "offline" {
		t.Fatalf("offline = %+v", offline)
	}
}
