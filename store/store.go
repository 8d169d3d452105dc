// Package store defines the aggregate persistence interface. Each subsystem
// (request, offer, availability, arbiter) defines its own store interface.
// The composite Store composes them all. Backends: Postgres, Redis and
// Memory.
package store

import (
	"context"

	"github.com/taskhub/dispatch/arbiter"
	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// Store is the aggregate persistence interface.
// A single backend implements all of the subsystem stores.
type Store interface {
	request.Store
	offer.Store
	availability.Store
	arbiter.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
