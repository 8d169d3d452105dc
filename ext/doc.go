// Package ext defines the extension system for Dispatch.
//
// Extensions are notified of request lifecycle events and react to them:
// the stream broker pushes events to connected clients, the metrics
// extension counts outcomes and the billing extension charges completed
// work. Each hook is a separate interface so extensions opt in only to the
// events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnRequestMatched(ctx context.Context, r *request.Request, winner *offer.Offer, _ []*offer.Offer) error {
//	    log.Printf("request %s matched to %s", r.ID, winner.DoerID)
//	    return nil
//	}
//
// # Search Hooks
//
//   - [RequestCreated] request persisted
//   - [RequestBroadcast] a wave of offers went out
//   - [OfferDeclined] a doer declined
//   - [OfferTimedOut] an offer deadline passed
//
// # Outcome Hooks
//
//   - [RequestMatched] the single winning accept
//   - [RequestNoMatch] no candidates were found
//   - [RequestExpired] the request deadline passed while searching
//   - [RequestCancelled] a participant cancelled
//
// # Post-match Hooks
//
//   - [RequestTransitioned] arriving, in_progress or completed
//   - [RequestCompleted] work done
//   - [DoerPositionUpdated] the matched doer moved
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never returned to the caller.
package ext
