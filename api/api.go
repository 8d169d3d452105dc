// Package api provides the HTTP handlers of the dispatch service.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/engine"
)

// API wires the HTTP handlers of the matching engine together.
type API struct {
	eng     *engine.Engine
	auth    auth.Authenticator
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures an API.
type Option func(*API)

// WithAuthenticator sets the caller authenticator. If not set,
// auth.NoopAuthenticator is used (development mode).
func WithAuthenticator(a auth.Authenticator) Option {
	return func(api *API) { api.auth = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(api *API) { api.logger = l }
}

// WithTimeout bounds the handling time of every request. Default 15s.
func WithTimeout(d time.Duration) Option {
	return func(api *API) { api.timeout = d }
}

// New creates an API from a dispatch Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:     eng,
		auth:    &auth.NoopAuthenticator{},
		logger:  eng.Logger(),
		timeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.timeout))
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all dispatch API routes into r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(a.auth))
		a.registerRequestRoutes(r)
		a.registerDoerRoutes(r)
		a.registerStatsRoutes(r)
	})
}

// registerRequestRoutes registers the giver and offer routes.
func (a *API) registerRequestRoutes(r chi.Router) {
	r.Post("/requests", a.createRequest)
	r.Get("/requests", a.listRequests)
	r.Route("/requests/{requestId}", func(r chi.Router) {
		r.Get("/", a.getRequest)
		r.Get("/offers", a.listOffers)
		r.Post("/accept", a.acceptOffer)
		r.Post("/decline", a.declineOffer)
		r.Post("/cancel", a.cancelRequest)
		r.Post("/arriving", a.markArriving)
		r.Post("/start", a.startWork)
		r.Post("/complete", a.completeRequest)
	})
}

// registerDoerRoutes registers the doer availability routes.
func (a *API) registerDoerRoutes(r chi.Router) {
	r.Post("/doers/heartbeat", a.heartbeat)
	r.Post("/doers/position", a.updatePosition)
	r.Post("/doers/offline", a.goOffline)
	r.Get("/doers/offers", a.pendingOffers)
}

// registerStatsRoutes registers operator routes.
func (a *API) registerStatsRoutes(r chi.Router) {
	r.Get("/stats", a.stats)
}
