package api

import (
	"net/http"

	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/broadcast"
	"github.com/taskhub/dispatch/engine"
	"github.com/taskhub/dispatch/geo"
)

// HeartbeatRequest is the body of POST /v1/doers/heartbeat. The doer ID
// is the authenticated subject.
type HeartbeatRequest struct {
	Online     bool         `json:"is_online"`
	Location   geo.Position `json:"location"`
	RadiusKm   float64      `json:"radius_km"`
	Categories []string     `json:"categories,omitempty"`
}

// PositionResponse lists the requests whose arrival estimate moved.
type PositionResponse struct {
	Tracked []engine.Tracked `json:"tracked"`
}

// heartbeat handles POST /v1/doers/heartbeat.
func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, auth.ScopeDoer)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body HeartbeatRequest
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	av, err := a.eng.Heartbeat(r.Context(), availability.Heartbeat{
		DoerID:     who.Subject,
		Online:     body.Online,
		Location:   body.Location,
		RadiusKm:   body.RadiusKm,
		Categories: body.Categories,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

// updatePosition handles POST /v1/doers/position.
func (a *API) updatePosition(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, auth.ScopeDoer)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var pos geo.Position
	if err := decode(r, &pos); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	tracked, err := a.eng.UpdatePosition(r.Context(), who.Subject, pos)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if tracked == nil {
		tracked = []engine.Tracked{}
	}
	writeJSON(w, http.StatusOK, PositionResponse{Tracked: tracked})
}

// goOffline handles POST /v1/doers/offline.
func (a *API) goOffline(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, auth.ScopeDoer)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.eng.GoOffline(r.Context(), who.Subject); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pendingOffers handles GET /v1/doers/offers.
func (a *API) pendingOffers(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, auth.ScopeDoer)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	offers, err := a.eng.PendingOffers(r.Context(), who.Subject)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []broadcast.OfferPayload{}
	}
	writeJSON(w, http.StatusOK, offers)
}
