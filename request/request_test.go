package request

import (
	"errors"
	"testing"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/geo"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	allowed := map[Status]map[Status]bool{
		StatusSearching:  {StatusAccepted: true, StatusExpired: true, StatusNoMatch: true, StatusCancelled: true},
		StatusAccepted:   {StatusArriving: true, StatusCancelled: true},
		StatusArriving:   {StatusInProgress: true, StatusCancelled: true},
		StatusInProgress: {StatusCompleted: true},
	}

	for _, from := range Statuses {
		for _, to := range Statuses {
			want := allowed[from][to]
			err := Transition(from, to)
			if want && err != nil {
				t.Errorf("Transition(%s, %s) = %v, want nil", from, to, err)
			}
			if !want && !errors.Is(err, dispatch.ErrInvalidTransition) {
				t.Errorf("Transition(%s, %s) = %v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
}

func TestInProgressCannotBeCancelled(t *testing.T) {
	t.Parallel()

	if CanTransition(StatusInProgress, StatusCancelled) {
		t.Fatal("in_progress → cancelled must be rejected once work has begun")
	}
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   Status
		terminal bool
		matched  bool
	}{
		{StatusSearching, false, false},
		{StatusAccepted, false, true},
		{StatusArriving, false, true},
		{StatusInProgress, false, true},
		{StatusCompleted, true, true},
		{StatusCancelled, true, false},
		{StatusExpired, true, false},
		{StatusNoMatch, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if !tt.status.Valid() {
				t.Fatal("status not valid")
			}
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.Matched(); got != tt.matched {
				t.Errorf("Matched() = %v, want %v", got, tt.matched)
			}
		})
	}

	if Status("bogus").Valid() {
		t.Fatal("unknown status reported valid")
	}
}

func validInput() Input {
	budget := 40.0
	return Input{
		Title:     "Move a couch",
		Category:  "moving",
		Location:  &geo.Point{Lat: 52.1332, Lng: -106.67},
		MaxBudget: &budget,
		Urgency:   UrgencyASAP,
		RadiusKm:  10,
	}
}

func TestInputValidate(t *testing.T) {
	t.Parallel()

	cfg := dispatch.DefaultConfig()

	tests := []struct {
		name      string
		mutate    func(*Input)
		wantField string
	}{
		{"valid", func(*Input) {}, ""},
		{"blank title", func(in *Input) { in.Title = "   " }, "title"},
		{"missing category", func(in *Input) { in.Category = "" }, "category"},
		{"missing location", func(in *Input) { in.Location = nil }, "location"},
		{"bad latitude", func(in *Input) { in.Location = &geo.Point{Lat: 91, Lng: 0} }, "location.lat"},
		{"zero radius", func(in *Input) { in.RadiusKm = 0 }, "radius_km"},
		{"radius above cap", func(in *Input) { in.RadiusKm = cfg.MaxRadiusKm + 1 }, "radius_km"},
		{"unknown urgency", func(in *Input) { in.Urgency = "tomorrow" }, "urgency_level"},
		{"missing urgency", func(in *Input) { in.Urgency = "" }, "urgency_level"},
		{"negative budget", func(in *Input) { b := -1.0; in.MaxBudget = &b }, "max_budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			in.Normalize()

			err := in.Validate(cfg)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}

			var verr *dispatch.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if _, ok := verr.Fields[tt.wantField]; !ok {
				t.Fatalf("fields = %v, want %q", verr.Fields, tt.wantField)
			}
			if !errors.Is(err, dispatch.ErrValidation) {
				t.Fatal("error does not unwrap to ErrValidation")
			}
		})
	}
}

func TestNewRequestExpiry(t *testing.T) {
	t.Parallel()

	cfg := dispatch.DefaultConfig()

	tests := []struct {
		urgency Urgency
		ttl     time.Duration
	}{
		{UrgencyASAP, cfg.AsapTTL},
		{UrgencyWithinHour, cfg.WithinHourTTL},
		{UrgencyWithinTwoHour, cfg.WithinTwoHourTTL},
		{"", cfg.AsapTTL},
	}

	for _, tt := range tests {
		t.Run(string(tt.urgency), func(t *testing.T) {
			in := validInput()
			in.Urgency = tt.urgency
			r := New("giver-1", in, cfg)

			if r.Status != StatusSearching {
				t.Fatalf("Status = %s, want searching", r.Status)
			}
			if !r.ExpiresAt.After(r.CreatedAt) {
				t.Fatal("expires_at must be after created_at")
			}
			if got := r.ExpiresAt.Sub(r.CreatedAt); got != tt.ttl {
				t.Fatalf("ttl = %v, want %v", got, tt.ttl)
			}
			if r.MatchedDoerID != "" {
				t.Fatal("new request has a matched doer")
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	r := New("giver-1", validInput(), dispatch.DefaultConfig())
	eta := 5
	r.EstimatedArrivalMinutes = &eta

	cp := r.Clone()
	*cp.MaxBudget = 1
	*cp.EstimatedArrivalMinutes = 1

	if *r.MaxBudget == 1 || *r.EstimatedArrivalMinutes == 1 {
		t.Fatal("Clone shares pointer fields with the original")
	}
}
