// Package dispatch provides the instant dispatch and matching engine for a
// task marketplace. A Giver broadcasts an urgent, location-anchored request
// to nearby online Doers; exactly one Doer wins the request, the winner's
// live position drives an arrival estimate, and the request walks a strict
// lifecycle with independent expiry clocks for every offer and request.
//
// Dispatch is designed as a library. Import it, configure a store, and
// build an engine:
//
//	s := memory.New()
//	eng, err := engine.New(
//	    engine.WithStore(s),
//	    engine.WithConfig(dispatch.DefaultConfig()),
//	    engine.WithLogger(logger),
//	)
//	if err := eng.Start(ctx); err != nil { ... }
//
// # Architecture
//
// Each subsystem (request, offer, availability) defines its own store
// interface and the composite store.Store composes them. The arbiter
// package owns the only strictly consistent transition, the accept race,
// and resolves it with a single conditional write at the store.
//
// All entity IDs are prefix-qualified, K-sortable TypeIDs such as
// "ireq_01h2xcejqtf2nbrexx3vqjhp41".
package dispatch
