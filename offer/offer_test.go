package offer

import (
	"testing"
	"time"

	"github.com/taskhub/dispatch/id"
)

func TestNewOfferDeadline(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	o := New(id.NewRequestID(), "doer-a", 2.0, 0, now, 30*time.Second)

	if o.Response != ResponsePending {
		t.Fatalf("Response = %s, want pending", o.Response)
	}
	if o.ID.Prefix() != id.PrefixOffer {
		t.Fatalf("ID prefix = %s", o.ID.Prefix())
	}
	if want := now.Add(30 * time.Second); !o.ResponseDeadline.Equal(want) {
		t.Fatalf("ResponseDeadline = %v, want %v", o.ResponseDeadline, want)
	}
}

func TestOfferExpired(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	o := New(id.NewRequestID(), "doer-a", 1, 0, now, 30*time.Second)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before deadline", now.Add(29 * time.Second), false},
		{"at deadline", now.Add(30 * time.Second), true},
		{"after deadline", now.Add(31 * time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := o.Expired(tt.at); got != tt.want {
				t.Fatalf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolved(t *testing.T) {
	t.Parallel()

	for _, r := range []Response{ResponseAccepted, ResponseDeclined, ResponseTimedOut, ResponseSuperseded} {
		if !r.Resolved() {
			t.Errorf("%s not resolved", r)
		}
	}
	if ResponsePending.Resolved() {
		t.Error("pending reported resolved")
	}
}
