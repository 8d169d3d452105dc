package dwp

import (
	"testing"
	"time"

	"github.com/taskhub/dispatch/auth"
)

func TestConnection(t *testing.T) {
	t.Parallel()

	identity := &auth.Identity{
		Subject: "doer-a",
		Scopes:  []string{auth.ScopeDoer},
	}
	conn := NewConnection("conn-1", identity, &JSONCodec{})

	if conn.ID != "conn-1" {
		t.Errorf("ID = %q, want %q", conn.ID, "conn-1")
	}
	if conn.Subject() != "doer-a" {
		t.Errorf("Subject = %q, want %q", conn.Subject(), "doer-a")
	}
	if conn.Codec.Name() != "json" {
		t.Errorf("Codec.Name = %q, want %q", conn.Codec.Name(), "json")
	}
	if conn.ConnectedAt.IsZero() {
		t.Error("ConnectedAt should not be zero")
	}

	anon := NewConnection("conn-anon", nil, &JSONCodec{})
	if anon.Subject() != "" {
		t.Errorf("anonymous Subject = %q", anon.Subject())
	}
}

func TestConnectionSubscriptions(t *testing.T) {
	t.Parallel()

	conn := NewConnection("conn-2", nil, &JSONCodec{})

	conn.AddSubscription("doer:doer-a")
	conn.AddSubscription("request:ireq_1")

	subs := conn.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("len(Subscriptions) = %d, want 2", len(subs))
	}

	conn.RemoveSubscription("doer:doer-a")
	subs = conn.Subscriptions()
	if len(subs) != 1 || subs[0] != "request:ireq_1" {
		t.Fatalf("Subscriptions = %v, want [request:ireq_1]", subs)
	}
}

func TestConnectionTouch(t *testing.T) {
	t.Parallel()

	conn := NewConnection("conn-3", nil, &JSONCodec{})
	before := conn.LastSeen()

	time.Sleep(time.Millisecond)
	conn.Touch()

	if !conn.LastSeen().After(before) {
		t.Error("Touch should advance LastSeen")
	}
}

func TestConnectionManager(t *testing.T) {
	t.Parallel()

	cm := NewConnectionManager()

	doer := &auth.Identity{Subject: "doer-a"}
	c1 := NewConnection("c1", doer, &JSONCodec{})
	c2 := NewConnection("c2", doer, &JSONCodec{})
	c3 := NewConnection("c3", &auth.Identity{Subject: "giver-1"}, &JSONCodec{})

	cm.Add(c1)
	cm.Add(c2)
	cm.Add(c3)

	if cm.Count() != 3 {
		t.Errorf("Count = %d, want 3", cm.Count())
	}
	if cm.SubjectCount() != 2 {
		t.Errorf("SubjectCount = %d, want 2", cm.SubjectCount())
	}
	if got := cm.BySubject("doer-a"); len(got) != 2 {
		t.Errorf("BySubject(doer-a) = %d connections, want 2", len(got))
	}

	got, ok := cm.Get("c1")
	if !ok || got.ID != "c1" {
		t.Error("Get(c1) should return the connection")
	}
	if _, ok = cm.Get("nonexistent"); ok {
		t.Error("Get(nonexistent) should return false")
	}

	tests := []struct {
		connID   string
		wantConn bool
		wantLast bool
	}{
		{"c1", true, false},
		{"c1", false, false},
		{"c2", true, true},
		{"c3", true, true},
	}
	for _, tt := range tests {
		conn, last := cm.Remove(tt.connID)
		if (conn != nil) != tt.wantConn || last != tt.wantLast {
			t.Errorf("Remove(%s) = (%v, %v), want conn=%v last=%v", tt.connID, conn != nil, last, tt.wantConn, tt.wantLast)
		}
	}
	if cm.Count() != 0 || cm.SubjectCount() != 0 || len(cm.All()) != 0 {
		t.Errorf("manager not empty: count=%d subjects=%d", cm.Count(), cm.SubjectCount())
	}
}
