package api

import (
	"net/http"

	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/stream"
)

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Broker         stream.BrokerStats `json:"broker"`
	ArmedDeadlines int                `json:"armed_deadlines"`
	OfferTTL       string             `json:"offer_ttl"`
	MaxFanout      int                `json:"max_fanout"`
	MaxExpansions  int                `json:"max_expansions"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r, auth.ScopeAdmin); err != nil {
		a.writeError(w, r, err)
		return
	}
	cfg := a.eng.Config()
	writeJSON(w, http.StatusOK, StatsResponse{
		Broker:         a.eng.Broker().Stats(),
		ArmedDeadlines: a.eng.Sweeper().Armed(),
		OfferTTL:       cfg.OfferTTL.String(),
		MaxFanout:      cfg.MaxFanout,
		MaxExpansions:  cfg.MaxExpansions,
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
