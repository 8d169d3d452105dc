// Package delivery pushes notifications to participants through a
// middleware chain, retrying transient network failures with backoff. A
// failed delivery is logged and counted; it never blocks other recipients
// or the request lifecycle.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/backoff"
	"github.com/taskhub/dispatch/middleware"
	"github.com/taskhub/dispatch/notify"
)

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithMiddleware appends middleware to the delivery chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Deliverer) { d.mws = append(d.mws, mws...) }
}

// WithBackoff sets the retry strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(d *Deliverer) { d.backoff = s }
}

// WithAttempts sets the maximum number of attempts per notification.
func WithAttempts(n int) Option {
	return func(d *Deliverer) { d.attempts = n }
}

// WithConcurrency bounds parallel deliveries during fanout.
func WithConcurrency(n int) Option {
	return func(d *Deliverer) { d.concurrency = n }
}

// WithAttemptTimeout bounds a single attempt.
func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Deliverer) { d.timeout = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Deliverer) { d.logger = l }
}

// Deliverer sends notifications through a Sender.
type Deliverer struct {
	sender      notify.Sender
	mws         []middleware.Middleware
	chain       middleware.Middleware
	backoff     backoff.Strategy
	attempts    int
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

// New creates a Deliverer for sender.
func New(sender notify.Sender, opts ...Option) *Deliverer {
	cfg := dispatch.DefaultConfig()
	d := &Deliverer{
		sender:      sender,
		backoff:     backoff.DefaultStrategy(),
		attempts:    cfg.DeliveryAttempts,
		concurrency: cfg.DeliveryConcurrency,
		timeout:     5 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.attempts < 1 {
		d.attempts = 1
	}
	d.chain = middleware.Chain(d.mws...)
	return d
}

// Deliver sends n, retrying failures that wrap dispatch.ErrNetwork. Any
// other error ends delivery immediately.
func (d *Deliverer) Deliver(ctx context.Context, n *notify.Notification) error {
	if n.Timeout == 0 {
		n.Timeout = d.timeout
	}

	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		n.Attempt = attempt
		err = d.chain(ctx, n, func(ctx context.Context) error {
			return d.sender.Send(ctx, n)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, dispatch.ErrNetwork) || attempt == d.attempts {
			break
		}
		if werr := backoff.Wait(ctx, d.backoff, attempt); werr != nil {
			return fmt.Errorf("dispatch/delivery: %s to %s: %w", n.Kind, n.Recipient, werr)
		}
	}
	return fmt.Errorf("dispatch/delivery: %s to %s after %d attempt(s): %w", n.Kind, n.Recipient, n.Attempt, err)
}

// Result summarizes a fanout.
type Result struct {
	Delivered int
	Failed    int
}

// Fanout delivers every notification concurrently, bounded by the
// configured concurrency. Failures are logged and counted and never stop
// the other deliveries.
func (d *Deliverer) Fanout(ctx context.Context, ns []*notify.Notification) Result {
	var delivered, failed atomic.Int64

	g := new(errgroup.Group)
	if d.concurrency > 0 {
		g.SetLimit(d.concurrency)
	}
	for _, n := range ns {
		g.Go(func() error {
			if err := d.Deliver(ctx, n); err != nil {
				failed.Add(1)
				d.logger.Warn("notification dropped",
					slog.String("kind", string(n.Kind)),
					slog.String("recipient", n.Recipient),
					slog.String("request_id", n.RequestID.String()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return Result{Delivered: int(delivered.Load()), Failed: int(failed.Load())}
}
