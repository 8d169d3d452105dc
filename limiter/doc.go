// Package limiter bounds how fast and how much a single giver can
// broadcast.
//
// Every instant request wakes up to Config.MaxFanout doers, so request
// creation is limited per giver with a token bucket
// (golang.org/x/time/rate) plus a cap on simultaneously searching
// requests:
//
//	m := limiter.New(limiter.Config{
//	    RateLimit:    0.5, // one request every 2s sustained
//	    RateBurst:    3,
//	    MaxSearching: 2,
//	})
//	if err := m.Acquire(giverID); err != nil {
//	    return err // wraps dispatch.ErrRateLimited
//	}
//	// ... once the request is matched, expired, cancelled or no_match:
//	m.Release(giverID)
//
// A zero Config disables both limits.
package limiter
