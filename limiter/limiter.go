package limiter

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/taskhub/dispatch"
)

// Config defines the per-giver limits.
type Config struct {
	// RateLimit is the sustained number of requests per second a giver may
	// create. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int

	// MaxSearching caps how many of a giver's requests may be searching at
	// the same time. Zero means no cap.
	MaxSearching int
}

// giverState tracks runtime state for a single giver.
type giverState struct {
	limiter   *rate.Limiter
	searching int
}

// Manager enforces per-giver limits on request creation. It is safe for
// concurrent use.
type Manager struct {
	mu     sync.Mutex
	config Config
	givers map[string]*giverState
}

// New creates a Manager with cfg.
func New(cfg Config) *Manager {
	return &Manager{
		config: cfg,
		givers: make(map[string]*giverState),
	}
}

// FromConfig builds the limiter configuration from the engine config.
func FromConfig(cfg dispatch.Config) Config {
	return Config{
		RateLimit:    cfg.GiverRateLimit,
		RateBurst:    cfg.GiverRateBurst,
		MaxSearching: cfg.MaxSearchingPerGiver,
	}
}

// Enabled reports whether any limit is configured.
func (m *Manager) Enabled() bool {
	return m.config.RateLimit > 0 || m.config.MaxSearching > 0
}

func (m *Manager) state(giverID string) *giverState {
	gs := m.givers[giverID]
	if gs == nil {
		gs = &giverState{}
		if m.config.RateLimit > 0 {
			burst := m.config.RateBurst
			if burst <= 0 {
				burst = 1
			}
			gs.limiter = rate.NewLimiter(rate.Limit(m.config.RateLimit), burst)
		}
		m.givers[giverID] = gs
	}
	return gs
}

// Acquire checks the giver's limits for one new request. On success the
// searching counter is incremented and the caller MUST call Release once
// the request leaves searching. A refusal wraps dispatch.ErrRateLimited.
func (m *Manager) Acquire(giverID string) error {
	if !m.Enabled() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gs := m.state(giverID)
	if m.config.MaxSearching > 0 && gs.searching >= m.config.MaxSearching {
		return fmt.Errorf("%w: %d requests already searching", dispatch.ErrRateLimited, gs.searching)
	}
	if gs.limiter != nil && !gs.limiter.Allow() {
		return fmt.Errorf("%w: request rate exceeded", dispatch.ErrRateLimited)
	}
	gs.searching++
	return nil
}

// Release decrements the giver's searching counter. Idle givers are
// forgotten once their bucket is full again.
func (m *Manager) Release(giverID string) {
	if !m.Enabled() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gs := m.givers[giverID]
	if gs == nil {
		return
	}
	if gs.searching > 0 {
		gs.searching--
	}
	if gs.searching == 0 && (gs.limiter == nil || gs.limiter.Tokens() >= float64(gs.limiter.Burst())) {
		delete(m.givers, giverID)
	}
}

// Searching returns the number of searching requests held by a giver.
func (m *Manager) Searching(giverID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gs := m.givers[giverID]; gs != nil {
		return gs.searching
	}
	return 0
}
