//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
	"github.com/taskhub/dispatch/store/postgres"
)

// setupTestStore creates a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("dispatch_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	// A second run must be a no-op.
	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("re-migrate: %v", migErr)
	}

	return store
}

var saskatoon = geo.Point{Lat: 52.1332, Lng: -106.6700}

func seedRequest(t *testing.T, s *postgres.Store, doers ...string) (*request.Request, time.Time) {
	t.Helper()
	ctx := context.Background()

	r := request.New("giver-1", request.Input{
		Title:    "Jump start a car",
		Category: "auto",
		Location: &geo.Point{Lat: saskatoon.Lat, Lng: saskatoon.Lng},
		RadiusKm: 10,
	}, dispatch.DefaultConfig())
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	now := r.CreatedAt
	offers := make([]*offer.Offer, len(doers))
	for i, d := range doers {
		offers[i] = offer.New(r.ID, d, float64(i+1), 0, now, 30*time.Second)
	}
	if err := s.CreateOffers(ctx, r.ID, 0, offers); err != nil {
		t.Fatalf("CreateOffers: %v", err)
	}
	return r, now
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Request and offer tests
// ──────────────────────────────────────────────────

func TestStore_RequestRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, _ := seedRequest(t, s)

	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.ID != r.ID || got.Target != r.Target || got.Status != request.StatusSearching {
		t.Fatalf("got %+v", got)
	}
	if d := got.ExpiresAt.Sub(r.ExpiresAt); d > time.Microsecond || d < -time.Microsecond {
		t.Fatalf("expires_at = %v, want %v", got.ExpiresAt, r.ExpiresAt)
	}

	list, err := s.ListRequestsByGiver(ctx, "giver-1", request.ListOpts{Limit: 10})
	if err != nil || len(list) != 1 {
		t.Fatalf("ListRequestsByGiver() = %d, %v", len(list), err)
	}
}

func TestStore_ExpireRequests(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, _ := seedRequest(t, s, "doer-a")

	expired, closed, err := s.ExpireRequests(ctx, r.ExpiresAt.Add(time.Millisecond))
	if err != nil || len(expired) != 1 {
		t.Fatalf("ExpireRequests() = %d, %v", len(expired), err)
	}
	if len(closed) != 1 || closed[0].DoerID != "doer-a" || closed[0].Response != offer.ResponseTimedOut {
		t.Fatalf("closed offers = %+v", closed)
	}
	o, err := s.GetOffer(ctx, r.ID, "doer-a")
	if err != nil || o.Response != offer.ResponseTimedOut {
		t.Fatalf("offer = %+v, %v", o, err)
	}
}

func TestStore_CreateOffersAfterCancel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, now := seedRequest(t, s, "doer-a")
	if _, err := s.CancelRequest(ctx, r.ID, "giver-1", now); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}

	late := []*offer.Offer{offer.New(r.ID, "doer-b", 2, 0, now, 30*time.Second)}
	if err := s.CreateOffers(ctx, r.ID, 0, late); !errors.Is(err, dispatch.ErrInvalidTransition) {
		t.Fatalf("CreateOffers() = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.GetOffer(ctx, r.ID, "doer-b"); !errors.Is(err, dispatch.ErrOfferNotFound) {
		t.Fatalf("GetOffer(doer-b) = %v, want ErrOfferNotFound", err)
	}
}

func TestStore_SetETAOnlyWhileTravelling(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, now := seedRequest(t, s, "doer-a")
	eta := 7
	if ok, err := s.SetETA(ctx, r.ID, "doer-a", &eta); err != nil || ok {
		t.Fatalf("SetETA(searching) = %v, %v", ok, err)
	}
	if _, err := s.AcceptOffer(ctx, r.ID, "doer-a", now.Add(time.Second)); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if ok, err := s.SetETA(ctx, r.ID, "doer-a", &eta); err != nil || !ok {
		t.Fatalf("SetETA(accepted) = %v, %v", ok, err)
	}

	if _, err := s.CancelRequest(ctx, r.ID, "giver-1", now.Add(2*time.Second)); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	if ok, err := s.SetETA(ctx, r.ID, "doer-a", &eta); err != nil || ok {
		t.Fatalf("SetETA(cancelled) = %v, %v", ok, err)
	}
	got, _ := s.GetRequest(ctx, r.ID)
	if got.EstimatedArrivalMinutes != nil {
		t.Fatalf("cancelled request has eta %d", *got.EstimatedArrivalMinutes)
	}
}

// ──────────────────────────────────────────────────
// Arbiter tests
// ──────────────────────────────────────────────────

func TestStore_ConcurrentAccept(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const n = 8
	doers := make([]string, n)
	for i := range doers {
		doers[i] = fmt.Sprintf("doer-%d", i)
	}
	r, now := seedRequest(t, s, doers...)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, d := range doers {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			_, err := s.AcceptOffer(ctx, r.ID, d, now.Add(time.Second))
			switch {
			case err == nil:
				mu.Lock()
				winners = append(winners, d)
				mu.Unlock()
			case !errors.Is(err, dispatch.ErrAlreadyMatched):
				t.Errorf("%s: unexpected error %v", d, err)
			}
		}(d)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}

	got, _ := s.GetRequest(ctx, r.ID)
	if got.Status != request.StatusAccepted || got.MatchedDoerID != winners[0] {
		t.Fatalf("request = %s / %s", got.Status, got.MatchedDoerID)
	}

	offers, _ := s.ListOffers(ctx, r.ID)
	for _, o := range offers {
		want := offer.ResponseSuperseded
		if o.DoerID == winners[0] {
			want = offer.ResponseAccepted
		}
		if o.Response != want {
			t.Fatalf("offer %s = %s, want %s", o.DoerID, o.Response, want)
		}
	}
}

func TestStore_AcceptAfterDeadline(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, now := seedRequest(t, s, "doer-a")

	if _, err := s.AcceptOffer(ctx, r.ID, "doer-a", now.Add(31*time.Second)); !errors.Is(err, dispatch.ErrOfferExpired) {
		t.Fatalf("AcceptOffer() = %v, want ErrOfferExpired", err)
	}
	got, _ := s.GetRequest(ctx, r.ID)
	if got.Status != request.StatusSearching {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestStore_CancelThenAccept(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, now := seedRequest(t, s, "doer-a", "doer-b")

	out, err := s.CancelRequest(ctx, r.ID, "giver-1", now)
	if err != nil || !out.Changed || len(out.Superseded) != 2 {
		t.Fatalf("CancelRequest() = %+v, %v", out, err)
	}
	if _, err := s.AcceptOffer(ctx, r.ID, "doer-a", now.Add(time.Second)); !errors.Is(err, dispatch.ErrRequestCancelled) {
		t.Fatalf("AcceptOffer() = %v, want ErrRequestCancelled", err)
	}
	again, err := s.CancelRequest(ctx, r.ID, "giver-1", now)
	if err != nil || again.Changed {
		t.Fatalf("repeat CancelRequest() = %+v, %v", again, err)
	}
}

// ──────────────────────────────────────────────────
// Availability tests
// ──────────────────────────────────────────────────

func TestStore_NearbyAvailability(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	north := func(km float64) geo.Position {
		return geo.Position{Point: geo.Point{Lat: saskatoon.Lat + km/111.195, Lng: saskatoon.Lng}, SampledAt: now}
	}
	for _, a := range []*availability.Availability{
		{DoerID: "b", Online: true, Location: north(5), LastHeartbeat: now, Categories: []string{"auto"}},
		{DoerID: "a", Online: true, Location: north(2), LastHeartbeat: now},
		{DoerID: "gone", Online: true, Location: north(1), LastHeartbeat: now.Add(-time.Hour)},
	} {
		if err := s.UpsertAvailability(ctx, a); err != nil {
			t.Fatalf("UpsertAvailability: %v", err)
		}
	}

	got, err := s.NearbyAvailability(ctx, availability.Query{Center: saskatoon, RadiusKm: 10, FreshSince: now.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("NearbyAvailability: %v", err)
	}
	if len(got) != 2 || got[0].Availability.DoerID != "a" || got[1].Availability.DoerID != "b" {
		t.Fatalf("candidates = %+v", got)
	}
	if len(got[1].Availability.Categories) != 1 {
		t.Fatalf("categories = %v", got[1].Availability.Categories)
	}

	n, err := s.PurgeStaleAvailability(ctx, now.Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PurgeStaleAvailability() = %d, %v", n, err)
	}
}
