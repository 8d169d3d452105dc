package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// fakeStore hands out a fixed batch of overdue items once.
type fakeStore struct {
	mu       sync.Mutex
	offers   []*offer.Offer
	requests []*request.Request
	closed   []*offer.Offer
	calls    atomic.Int32
	err      error
}

func (s *fakeStore) TimeoutOffers(_ context.Context, _ time.Time) ([]*offer.Offer, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.offers
	s.offers = nil
	return out, nil
}

func (s *fakeStore) ExpireRequests(_ context.Context, _ time.Time) ([]*request.Request, []*offer.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, closed := s.requests, s.closed
	s.requests, s.closed = nil, nil
	return out, closed, nil
}

type recordingHandler struct {
	mu     sync.Mutex
	order  []string
	offers int
	closed int
	done   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 16)}
}

func (h *recordingHandler) OffersTimedOut(_ context.Context, offers []*offer.Offer) {
	h.mu.Lock()
	h.order = append(h.order, "offers")
	h.offers += len(offers)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) RequestsExpired(_ context.Context, _ []*request.Request, closed []*offer.Offer) {
	h.mu.Lock()
	h.order = append(h.order, "requests")
	h.closed += len(closed)
	h.mu.Unlock()
}

func overdueOffer() *offer.Offer {
	return offer.New(id.NewRequestID(), "doer-a", 1, 0, time.Now().Add(-time.Minute), time.Second)
}

func TestSweepHandsResultsToHandler(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		offers:   []*offer.Offer{overdueOffer(), overdueOffer()},
		requests: []*request.Request{{ID: id.NewRequestID(), Status: request.StatusExpired}},
		closed:   []*offer.Offer{overdueOffer()},
	}
	h := newRecordingHandler()
	s, err := New(store, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.Offers) != 2 || len(res.Requests) != 1 || len(res.Closed) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(h.order) != 2 || h.order[0] != "requests" || h.order[1] != "offers" {
		t.Fatalf("handler order = %v", h.order)
	}
	if h.offers != 2 || h.closed != 1 {
		t.Fatalf("handler saw %d timed out, %d closed", h.offers, h.closed)
	}

	res, err = s.Sweep(context.Background())
	if err != nil || len(res.Offers) != 0 || len(h.order) != 2 {
		t.Fatalf("idle sweep = %+v, %v, calls %v", res, err, h.order)
	}
}

func TestSweepStoreError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s, err := New(&fakeStore{err: boom}, newRecordingHandler())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Sweep() = %v, want boom", err)
	}
}

func TestArmFiresAtDeadline(t *testing.T) {
	t.Parallel()

	store := &fakeStore{offers: []*offer.Offer{overdueOffer()}}
	h := newRecordingHandler()
	s, err := New(store, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop(context.Background()) //nolint:errcheck // test cleanup

	s.Arm("offer:1", time.Now().Add(20*time.Millisecond))
	if s.Armed() != 1 {
		t.Fatalf("Armed() = %d", s.Armed())
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("armed deadline never swept")
	}
	if s.Armed() != 0 {
		t.Fatalf("Armed() after fire = %d", s.Armed())
	}
}

func TestDisarmAndRearm(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	s, err := New(store, newRecordingHandler())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Arm("offer:1", time.Now().Add(time.Hour))
	s.Arm("offer:1", time.Now().Add(2*time.Hour))
	if s.Armed() != 1 {
		t.Fatalf("re-arm kept %d timers", s.Armed())
	}
	s.Disarm("offer:1")
	if s.Armed() != 0 {
		t.Fatalf("Armed() after disarm = %d", s.Armed())
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s.Arm("offer:2", time.Now())
	if s.Armed() != 0 {
		t.Fatal("armed after stop")
	}
	if store.calls.Load() != 0 {
		t.Fatalf("store swept %d times", store.calls.Load())
	}
}

func TestArmSharesTimerPerDeadline(t *testing.T) {
	t.Parallel()

	store := &fakeStore{offers: []*offer.Offer{overdueOffer()}}
	h := newRecordingHandler()
	s, err := New(store, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop(context.Background()) //nolint:errcheck // test cleanup

	deadline := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < 20; i++ {
		s.Arm(fmt.Sprintf("offer:%d", i), deadline)
	}
	if s.Armed() != 20 || s.Timers() != 1 {
		t.Fatalf("Armed() = %d, Timers() = %d", s.Armed(), s.Timers())
	}

	// Disarming part of the wave keeps the shared timer.
	for i := 0; i < 5; i++ {
		s.Disarm(fmt.Sprintf("offer:%d", i))
	}
	if s.Armed() != 15 || s.Timers() != 1 {
		t.Fatalf("after disarm Armed() = %d, Timers() = %d", s.Armed(), s.Timers())
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("shared deadline never swept")
	}
	// One timer fired: exactly one sweep hit the store.
	time.Sleep(50 * time.Millisecond)
	if n := store.calls.Load(); n != 1 {
		t.Fatalf("store swept %d times, want 1", n)
	}
	if s.Armed() != 0 || s.Timers() != 0 {
		t.Fatalf("after fire Armed() = %d, Timers() = %d", s.Armed(), s.Timers())
	}
}

func TestDisarmLastKeyStopsTimer(t *testing.T) {
	t.Parallel()

	s, err := New(&fakeStore{}, newRecordingHandler(), WithResolution(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop(context.Background()) //nolint:errcheck // test cleanup

	base := time.Now().Add(time.Hour).Truncate(time.Second)
	s.Arm("offer:a", base.Add(100*time.Millisecond))
	s.Arm("offer:b", base.Add(900*time.Millisecond))
	s.Arm("request:r", base.Add(1500*time.Millisecond))
	if s.Timers() != 2 {
		t.Fatalf("Timers() = %d, want 2 windows", s.Timers())
	}

	s.Arm("offer:a", base.Add(1200*time.Millisecond))
	s.Disarm("offer:b")
	if s.Armed() != 2 || s.Timers() != 1 {
		t.Fatalf("Armed() = %d, Timers() = %d", s.Armed(), s.Timers())
	}
	s.Disarm("offer:a")
	s.Disarm("request:r")
	if s.Armed() != 0 || s.Timers() != 0 {
		t.Fatalf("Armed() = %d, Timers() = %d", s.Armed(), s.Timers())
	}
}

func TestScheduleLoop(t *testing.T) {
	t.Parallel()

	store := &fakeStore{offers: []*offer.Offer{overdueOffer()}}
	h := newRecordingHandler()
	s, err := New(store, h, WithSchedule("@every 1s"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled sweep never ran")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	if _, err := New(&fakeStore{}, newRecordingHandler(), WithSchedule("every now and then")); err == nil {
		t.Fatal("New accepted a malformed schedule")
	}
}
