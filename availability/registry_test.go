package availability

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/geo"
)

// mapStore is a minimal in-package Store used to test the Registry rules
// without depending on a backend.
type mapStore struct {
	mu      sync.Mutex
	entries map[string]*Availability
}

func newMapStore() *mapStore { return &mapStore{entries: map[string]*Availability{}} }

func (s *mapStore) UpsertAvailability(_ context.Context, a *Availability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[a.DoerID] = a.Clone()
	return nil
}

func (s *mapStore) GetAvailability(_ context.Context, doerID string) (*Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.entries[doerID]
	if !ok {
		return nil, dispatch.ErrDoerNotFound
	}
	return a.Clone(), nil
}

func (s *mapStore) NearbyAvailability(_ context.Context, q Query) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Candidate
	for _, a := range s.entries {
		if !a.Online || !a.LastHeartbeat.After(q.FreshSince) {
			continue
		}
		d := geo.DistanceKm(q.Center, a.Location.Point)
		if d <= q.RadiusKm {
			out = append(out, Candidate{Availability: a.Clone(), DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

func (s *mapStore) PurgeStaleAvailability(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, a := range s.entries {
		if a.LastHeartbeat.Before(before) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

var target = geo.Point{Lat: 52.1332, Lng: -106.67}

// north returns a point km kilometers due north of target.
func north(km float64) geo.Position {
	return geo.Position{Point: geo.Point{Lat: target.Lat + km/111.195, Lng: target.Lng}}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(newMapStore(),
		WithTTL(time.Minute),
		WithPurgeInterval(0),
		WithClock(clk.Now),
	)
	return r, clk
}

func TestCandidatesOrderingAndFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := newTestRegistry()

	beats := []Heartbeat{
		{DoerID: "far", Online: true, Location: north(8)},
		{DoerID: "near", Online: true, Location: north(1)},
		{DoerID: "mid", Online: true, Location: north(3), Categories: []string{"Moving"}},
		{DoerID: "offline", Online: false, Location: north(0.5)},
		{DoerID: "plumber", Online: true, Location: north(2), Categories: []string{"plumbing"}},
		{DoerID: "short-range", Online: true, Location: north(4), RadiusKm: 2},
		{DoerID: "outside", Online: true, Location: north(12)},
	}
	for _, hb := range beats {
		if _, err := r.Heartbeat(ctx, hb); err != nil {
			t.Fatalf("Heartbeat(%s): %v", hb.DoerID, err)
		}
	}

	tests := []struct {
		name string
		q    CandidateQuery
		want []string
	}{
		{
			name: "category filter",
			q:    CandidateQuery{Target: target, RadiusKm: 10, Category: "moving"},
			want: []string{"near", "mid", "far"},
		},
		{
			name: "no category",
			q:    CandidateQuery{Target: target, RadiusKm: 10},
			want: []string{"near", "plumber", "mid", "far"},
		},
		{
			name: "limit",
			q:    CandidateQuery{Target: target, RadiusKm: 10, Category: "moving", Limit: 2},
			want: []string{"near", "mid"},
		},
		{
			name: "exclude",
			q: CandidateQuery{Target: target, RadiusKm: 10, Category: "moving",
				Exclude: map[string]struct{}{"near": {}}},
			want: []string{"mid", "far"},
		},
		{
			name: "radius",
			q:    CandidateQuery{Target: target, RadiusKm: 5, Category: "moving"},
			want: []string{"near", "mid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Candidates(ctx, tt.q)
			if err != nil {
				t.Fatalf("Candidates: %v", err)
			}
			ids := make([]string, len(got))
			for i, c := range got {
				ids[i] = c.Availability.DoerID
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("got %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestStaleHeartbeatIsNeverACandidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, clk := newTestRegistry()

	if _, err := r.Heartbeat(ctx, Heartbeat{DoerID: "a", Online: true, Location: north(1)}); err != nil {
		t.Fatal(err)
	}

	clk.Advance(59 * time.Second)
	got, _ := r.Candidates(ctx, CandidateQuery{Target: target, RadiusKm: 5})
	if len(got) != 1 {
		t.Fatalf("fresh doer missing: %d candidates", len(got))
	}

	clk.Advance(2 * time.Second)
	got, _ = r.Candidates(ctx, CandidateQuery{Target: target, RadiusKm: 5})
	if len(got) != 0 {
		t.Fatalf("stale doer returned as candidate")
	}
}

func TestGoOfflineAndUpdateLocation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, clk := newTestRegistry()

	if _, err := r.UpdateLocation(ctx, "ghost", north(1)); !errors.Is(err, dispatch.ErrDoerNotFound) {
		t.Fatalf("UpdateLocation(unknown) = %v, want ErrDoerNotFound", err)
	}
	if err := r.GoOffline(ctx, "ghost"); err != nil {
		t.Fatalf("GoOffline(unknown) = %v, want nil", err)
	}

	if _, err := r.Heartbeat(ctx, Heartbeat{DoerID: "a", Online: true, Location: north(4)}); err != nil {
		t.Fatal(err)
	}

	clk.Advance(30 * time.Second)
	a, err := r.UpdateLocation(ctx, "a", north(1))
	if err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	if !a.Online {
		t.Fatal("UpdateLocation cleared the online flag")
	}
	if !a.LastHeartbeat.Equal(clk.Now()) {
		t.Fatal("UpdateLocation did not refresh the heartbeat")
	}

	got, _ := r.Candidates(ctx, CandidateQuery{Target: target, RadiusKm: 2})
	if len(got) != 1 {
		t.Fatalf("moved doer not found within 2 km")
	}

	if err := r.GoOffline(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Candidates(ctx, CandidateQuery{Target: target, RadiusKm: 2})
	if len(got) != 0 {
		t.Fatal("offline doer returned as candidate")
	}
}

func TestHeartbeatValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		hb    Heartbeat
		field string
	}{
		{"missing doer", Heartbeat{Location: north(1)}, "doer_id"},
		{"bad location", Heartbeat{DoerID: "a", Location: geo.Position{Point: geo.Point{Lat: 100}}}, "location"},
		{"negative radius", Heartbeat{DoerID: "a", Location: north(1), RadiusKm: -1}, "radius_km"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *dispatch.ValidationError
			if err := tt.hb.Validate(); !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Fatalf("fields = %v, want %q", verr.Fields, tt.field)
			}
		})
	}
}

func TestPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, clk := newTestRegistry()

	_, _ = r.Heartbeat(ctx, Heartbeat{DoerID: "old", Online: true, Location: north(1)})
	clk.Advance(45 * time.Second)
	_, _ = r.Heartbeat(ctx, Heartbeat{DoerID: "new", Online: true, Location: north(1)})
	clk.Advance(30 * time.Second)

	if n := r.Purge(ctx); n != 1 {
		t.Fatalf("Purge() = %d, want 1", n)
	}
	if _, err := r.Get(ctx, "old"); !errors.Is(err, dispatch.ErrDoerNotFound) {
		t.Fatal("stale entry survived purge")
	}
	if _, err := r.Get(ctx, "new"); err != nil {
		t.Fatalf("fresh entry purged: %v", err)
	}
}
