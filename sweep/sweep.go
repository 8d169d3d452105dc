// Package sweep runs the expiry clocks of the matching engine.
//
// Two mechanisms cooperate. Every offer and request deadline can be armed
// so that a sweep runs as soon as it passes, and a safety-net
// sweep runs on a cron schedule to catch deadlines whose timer was lost
// (process restart, another node). A sweep times out overdue offers and
// expires overdue requests through the store, then hands the results to
// the Handler. Deadlines that fall in the same resolution window share one
// timer, so a wave of offers costs one sweep. Nothing here blocks callers.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// Store is the persistence a sweep needs.
type Store interface {
	TimeoutOffers(ctx context.Context, now time.Time) ([]*offer.Offer, error)
	ExpireRequests(ctx context.Context, now time.Time) ([]*request.Request, []*offer.Offer, error)
}

// Handler reacts to what a sweep resolved. The engine implements it to
// emit events and to decide on expansion waves.
type Handler interface {
	OffersTimedOut(ctx context.Context, offers []*offer.Offer)
	RequestsExpired(ctx context.Context, requests []*request.Request, closed []*offer.Offer)
}

// Result is what one sweep resolved.
type Result struct {
	// Offers timed out on their own deadline.
	Offers []*offer.Offer
	// Requests expired.
	Requests []*request.Request
	// Closed are the pending offers of Requests, timed out with them.
	Closed []*offer.Offer
}

// DefaultResolution is the window deadlines are rounded up to before they
// share a timer.
const DefaultResolution = 50 * time.Millisecond

// cronParser supports standard 5-field cron and descriptors like "@every 1s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithSchedule sets the safety-net cron expression.
func WithSchedule(expr string) Option {
	return func(s *Sweeper) { s.expr = expr }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithResolution sets the window deadlines are rounded up to. Zero gives
// every distinct instant its own timer.
func WithResolution(d time.Duration) Option {
	return func(s *Sweeper) { s.resolution = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper owns the deadline timers and the safety-net loop.
type Sweeper struct {
	store   Store
	handler Handler
	logger  *slog.Logger
	now     func() time.Time

	expr       string
	schedule   cronlib.Schedule
	resolution time.Duration

	// sweepMu serializes sweeps so a timer and the loop never resolve the
	// same deadline twice in parallel.
	sweepMu sync.Mutex

	timersMu sync.Mutex
	slots    map[int64]*slot // by deadline, unix nanos
	keys     map[string]int64
	stopped  bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Sweeper. It fails when the schedule does not parse.
func New(store Store, handler Handler, opts ...Option) (*Sweeper, error) {
	s := &Sweeper{
		store:      store,
		handler:    handler,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		expr:       dispatch.DefaultConfig().SweepSchedule,
		resolution: DefaultResolution,
		slots:      make(map[int64]*slot),
		keys:       make(map[string]int64),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	sched, err := ParseSchedule(s.expr)
	if err != nil {
		return nil, fmt.Errorf("dispatch/sweep: parse schedule %q: %w", s.expr, err)
	}
	s.schedule = sched
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start launches the safety-net loop.
func (s *Sweeper) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("sweeper started", slog.String("schedule", s.expr))
	return nil
}

// Stop disarms every timer, stops the loop and waits for a running sweep.
func (s *Sweeper) Stop(_ context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()

		s.timersMu.Lock()
		s.stopped = true
		for _, sl := range s.slots {
			sl.timer.Stop()
		}
		clear(s.slots)
		clear(s.keys)
		s.timersMu.Unlock()
	})
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
	return nil
}

// slot is one timer shared by every key armed for the same deadline.
type slot struct {
	timer *time.Timer
	keys  map[string]struct{}
}

// Arm schedules a sweep at the deadline identified by key. Arming a key
// again moves it to the new deadline.
func (s *Sweeper) Arm(key string, at time.Time) {
	at = s.roundUp(at)
	deadline := at.UnixNano()

	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if s.stopped {
		return
	}
	if cur, ok := s.keys[key]; ok {
		if cur == deadline {
			return
		}
		s.detachLocked(key, cur)
	}

	sl, ok := s.slots[deadline]
	if !ok {
		d := at.Sub(s.now())
		if d < 0 {
			d = 0
		}
		sl = &slot{keys: make(map[string]struct{})}
		sl.timer = time.AfterFunc(d, func() { s.fire(deadline, sl) })
		s.slots[deadline] = sl
	}
	sl.keys[key] = struct{}{}
	s.keys[key] = deadline
}

// Disarm cancels the deadline of key. The deadline was resolved otherwise.
// The shared timer stops once its last key is disarmed.
func (s *Sweeper) Disarm(key string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if deadline, ok := s.keys[key]; ok {
		s.detachLocked(key, deadline)
	}
}

// Armed returns the number of pending deadlines.
func (s *Sweeper) Armed() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.keys)
}

// Timers returns the number of running timers. Deadlines in the same
// resolution window count once.
func (s *Sweeper) Timers() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.slots)
}

// detachLocked removes key from its slot. Caller holds timersMu.
func (s *Sweeper) detachLocked(key string, deadline int64) {
	delete(s.keys, key)
	sl, ok := s.slots[deadline]
	if !ok {
		return
	}
	delete(sl.keys, key)
	if len(sl.keys) == 0 {
		sl.timer.Stop()
		delete(s.slots, deadline)
	}
}

func (s *Sweeper) fire(deadline int64, sl *slot) {
	s.timersMu.Lock()
	if s.slots[deadline] == sl {
		for key := range sl.keys {
			delete(s.keys, key)
		}
		delete(s.slots, deadline)
	}
	stopped := s.stopped
	if !stopped {
		s.wg.Add(1)
	}
	s.timersMu.Unlock()

	if stopped {
		return
	}
	defer s.wg.Done()
	s.run()
}

func (s *Sweeper) roundUp(at time.Time) time.Time {
	if s.resolution <= 0 {
		return at
	}
	if t := at.Truncate(s.resolution); t.Before(at) {
		return t.Add(s.resolution)
	}
	return at
}

// Sweep times out overdue offers, expires overdue requests and passes both
// to the handler.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.now()

	offers, err := s.store.TimeoutOffers(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch/sweep: time out offers: %w", err)
	}
	requests, closed, err := s.store.ExpireRequests(ctx, now)
	if err != nil {
		return Result{Offers: offers}, fmt.Errorf("dispatch/sweep: expire requests: %w", err)
	}

	if len(offers) > 0 || len(requests) > 0 {
		s.logger.Debug("sweep resolved deadlines",
			slog.Int("offers_timed_out", len(offers)),
			slog.Int("requests_expired", len(requests)),
			slog.Int("offers_closed", len(closed)),
		)
	}

	// Expired requests first: their offers were closed in the same write
	// and must not trigger an expansion wave.
	if len(requests) > 0 {
		s.handler.RequestsExpired(ctx, requests, closed)
	}
	if len(offers) > 0 {
		s.handler.OffersTimedOut(ctx, offers)
	}
	return Result{Offers: offers, Requests: requests, Closed: closed}, nil
}

func (s *Sweeper) run() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	if _, err := s.Sweep(s.ctx); err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}
}

// loop runs a sweep at every activation of the schedule.
func (s *Sweeper) loop() {
	defer s.wg.Done()

	for {
		now := s.now()
		next := s.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.run()
		}
	}
}
