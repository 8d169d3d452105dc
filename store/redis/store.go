// Package redis implements availability.Store on Redis for deployments
// where doer heartbeats outnumber every other write. Positions live in a
// GEO set, entries in Hashes, and heartbeat times in a Sorted Set that
// drives purging.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	avail := redis.New(client, redis.WithKeyPrefix("dispatch:eu:"))
//	eng, err := engine.New(engine.WithStore(pg), engine.WithAvailabilityStore(avail))
package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/taskhub/dispatch/availability"
)

var _ availability.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix namespaces the store's keys, so several regions can share
// one Redis. An empty prefix keeps DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// Store implements availability.Store backed by Redis. The caller owns the
// client.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
	prefix string
}

// New creates a Redis-backed availability store.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), prefix: DefaultKeyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection and that GEO commands are available.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("dispatch/redis: ping: %w", err)
	}
	if err := s.client.GeoPos(ctx, s.geoKey(), "").Err(); err != nil && err != goredis.Nil {
		return fmt.Errorf("dispatch/redis: geo commands: %w", err)
	}
	return nil
}
