// Package engine wires the Dispatch subsystems together and provides the
// service boundary of the matching engine.
//
// The engine package exists to break a fundamental import cycle: the root
// dispatch package defines Config and the error taxonomy (imported by
// request, offer, availability, etc.) and therefore cannot import those
// packages back. Engine sits above all subsystem packages and below the
// transports (api, dwp).
//
// # Building an Engine
//
//	eng, err := engine.New(
//	    engine.WithStore(pgStore),
//	    engine.WithAvailabilityStore(redisStore),
//	    engine.WithConfig(cfg),
//	    engine.WithExtension(billing.NewExtension(requester, logger)),
//	)
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
//
// # Giver calls
//
//	created, err := eng.CreateInstantRequest(ctx, giverID, request.Input{...})
//	_, err = eng.Cancel(ctx, created.Request.ID, giverID)
//
// # Doer calls
//
//	eng.Heartbeat(ctx, availability.Heartbeat{DoerID: doerID, Online: true, ...})
//	res, err := eng.Accept(ctx, requestID, doerID)
//	if dispatch.IsRaceOutcome(err) {
//	    // someone else won, the offer expired or the giver cancelled
//	}
//	eng.UpdatePosition(ctx, doerID, pos)
//	eng.MarkArriving(ctx, requestID, doerID)
//	eng.StartWork(ctx, requestID, doerID)
//	eng.Complete(ctx, requestID, doerID)
//
// # Deadlines
//
// Every offer and every request carries its own deadline. The engine arms
// a timer per deadline and the sweeper resolves it when it passes; a cron
// safety-net sweep catches deadlines whose timer was lost. A wave whose
// offers all resolved without an accept gets one expansion wave with a
// wider radius before the request settles in no_match.
//
// # Options
//
//   - [WithStore]: the persistence backend (required)
//   - [WithAvailabilityStore]: a separate backend for doer availability
//   - [WithConfig]: matching tunables
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the delivery chain
//   - [WithSender]: deliver offers through a custom sender
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
package engine
