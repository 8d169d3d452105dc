package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskhub/dispatch"
)

// Source produces a single position fix.
type Source interface {
	Sample(ctx context.Context) (Position, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Position, error)

// Sample implements Source.
func (f SourceFunc) Sample(ctx context.Context) (Position, error) { return f(ctx) }

// StaticSource always reports the same point, stamped with the sampling
// time.
type StaticSource struct {
	Point Point
}

// Sample implements Source.
func (s StaticSource) Sample(_ context.Context) (Position, error) {
	return Position{Point: s.Point, SampledAt: time.Now().UTC()}, nil
}

// ChannelSource holds the latest position pushed by a client. Until the
// first push it reports ErrLocationUnavailable.
type ChannelSource struct {
	mu     sync.RWMutex
	latest *Position
}

// NewChannelSource creates an empty ChannelSource.
func NewChannelSource() *ChannelSource { return &ChannelSource{} }

// Push records a new client-reported position.
func (c *ChannelSource) Push(p Position) {
	if p.SampledAt.IsZero() {
		p.SampledAt = time.Now().UTC()
	}
	c.mu.Lock()
	c.latest = &p
	c.mu.Unlock()
}

// Sample implements Source.
func (c *ChannelSource) Sample(_ context.Context) (Position, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return Position{}, dispatch.ErrLocationUnavailable
	}
	return *c.latest, nil
}

// Update is one item of a position stream: either a fix or the reason the
// fix could not be taken.
type Update struct {
	Position Position
	Err      error
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithPollInterval sets how often the source is sampled while at least one
// subscriber is attached.
func WithPollInterval(d time.Duration) SamplerOption {
	return func(s *Sampler) { s.pollInterval = d }
}

// WithMinDistance sets the movement, in meters, that triggers an update.
func WithMinDistance(meters float64) SamplerOption {
	return func(s *Sampler) { s.minDistanceM = meters }
}

// WithMinInterval sets the elapsed time that triggers an update even
// without movement.
func WithMinInterval(d time.Duration) SamplerOption {
	return func(s *Sampler) { s.minInterval = d }
}

// WithSampleTimeout bounds a single source read.
func WithSampleTimeout(d time.Duration) SamplerOption {
	return func(s *Sampler) { s.sampleTimeout = d }
}

// WithSamplerLogger sets the logger.
func WithSamplerLogger(l *slog.Logger) SamplerOption {
	return func(s *Sampler) { s.logger = l }
}

// Defaults for the sampler throttle.
const (
	DefaultMinDistanceM  = 25.0
	DefaultMinInterval   = 15 * time.Second
	DefaultPollInterval  = 5 * time.Second
	DefaultSampleTimeout = 10 * time.Second
)

// Sampler turns a Source into a lazy, restartable stream of throttled
// position updates. Polling starts with the first subscriber and stops
// when the last one leaves; a later Subscribe starts it again. Each
// subscriber is throttled independently.
type Sampler struct {
	src    Source
	logger *slog.Logger
	now    func() time.Time

	pollInterval  time.Duration
	minDistanceM  float64
	minInterval   time.Duration
	sampleTimeout time.Duration

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	stopCh chan struct{}
	done   chan struct{}
}

// NewSampler creates a Sampler over src.
func NewSampler(src Source, opts ...SamplerOption) *Sampler {
	s := &Sampler{
		src:           src,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		pollInterval:  DefaultPollInterval,
		minDistanceM:  DefaultMinDistanceM,
		minInterval:   DefaultMinInterval,
		sampleTimeout: DefaultSampleTimeout,
		subs:          make(map[int]*Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription is one consumer of a Sampler stream.
type Subscription struct {
	id      int
	sampler *Sampler
	ch      chan Update

	// last is the most recent fix delivered to this subscriber.
	last     *Position
	lastSent time.Time
}

// C returns the update channel. It is closed by Close.
func (sub *Subscription) C() <-chan Update { return sub.ch }

// Close detaches the subscriber. Closing the last subscription stops
// polling. Safe to call multiple times.
func (sub *Subscription) Close() {
	sub.sampler.unsubscribe(sub.id)
}

// Subscribe attaches a new subscriber and starts polling if needed.
func (s *Sampler) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &Subscription{
		id:      s.nextID,
		sampler: s,
		ch:      make(chan Update, 1),
	}
	s.subs[sub.id] = sub

	if s.stopCh == nil {
		s.stopCh = make(chan struct{})
		s.done = make(chan struct{})
		go s.pollLoop(s.stopCh, s.done)
		s.logger.Debug("location sampler started")
	}
	return sub
}

// Running reports whether the sampler is currently polling its source.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

// Current takes a single fix outside any stream. Any failure, including a
// timeout or a denied permission, is reported as ErrLocationUnavailable.
func (s *Sampler) Current(ctx context.Context) (Position, error) {
	return s.sample(ctx)
}

func (s *Sampler) unsubscribe(id int) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)
	close(sub.ch)

	var stop, done chan struct{}
	if len(s.subs) == 0 && s.stopCh != nil {
		stop, done = s.stopCh, s.done
		s.stopCh, s.done = nil, nil
	}
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
		s.logger.Debug("location sampler stopped")
	}
}

func (s *Sampler) pollLoop(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.poll(stopCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.poll(stopCh)
		}
	}
}

func (s *Sampler) poll(stopCh chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	pos, err := s.sample(ctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, sub := range s.subs {
		if err != nil {
			trySend(sub.ch, Update{Err: err})
			continue
		}
		if !s.due(sub, pos, now) {
			continue
		}
		if trySend(sub.ch, Update{Position: pos}) {
			p := pos
			sub.last = &p
			sub.lastSent = now
		}
	}
}

// due reports whether pos should be delivered to sub under the throttle.
func (s *Sampler) due(sub *Subscription, pos Position, now time.Time) bool {
	if sub.last == nil {
		return true
	}
	if DistanceM(sub.last.Point, pos.Point) >= s.minDistanceM {
		return true
	}
	return s.minInterval > 0 && now.Sub(sub.lastSent) >= s.minInterval
}

func (s *Sampler) sample(ctx context.Context) (Position, error) {
	if s.sampleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sampleTimeout)
		defer cancel()
	}

	pos, err := s.src.Sample(ctx)
	if err != nil {
		if errors.Is(err, dispatch.ErrLocationUnavailable) {
			return Position{}, err
		}
		return Position{}, fmt.Errorf("%w: %v", dispatch.ErrLocationUnavailable, err)
	}
	if verr := pos.Validate(); verr != nil {
		return Position{}, fmt.Errorf("%w: %v", dispatch.ErrLocationUnavailable, verr)
	}
	if pos.SampledAt.IsZero() {
		pos.SampledAt = s.now()
	}
	return pos, nil
}

func trySend(ch chan Update, u Update) bool {
	select {
	case ch <- u:
		return true
	default:
		return false
	}
}
