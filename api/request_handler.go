package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// caller returns the authenticated identity, requiring scope.
func caller(r *http.Request, scope string) (*auth.Identity, error) {
	who, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	if err := auth.Require(who, scope); err != nil {
		return nil, err
	}
	return who, nil
}

func requestIDParam(r *http.Request) (id.RequestID, error) {
	requestID, err := id.ParseRequestID(chi.URLParam(r, "requestId"))
	if err != nil {
		return id.Nil, fmt.Errorf("invalid request ID: %v", err)
	}
	return requestID, nil
}

// createRequest handles POST /v1/requests.
func (a *API) createRequest(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, auth.ScopeGiver)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var in request.Input
	if err := decode(r, &in); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	created, err := a.eng.CreateInstantRequest(r.Context(), who.Subject, in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// listRequests handles GET /v1/requests.
func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, auth.ScopeGiver)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	opts := request.ListOpts{Status: request.Status(q.Get("status"))}
	if opts.Status != "" && !opts.Status.Valid() {
		badRequest(w, "unknown status "+q.Get("status"))
		return
	}
	if opts.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		badRequest(w, "invalid limit")
		return
	}
	if opts.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		badRequest(w, "invalid offset")
		return
	}

	list, err := a.eng.ListRequestsByGiver(r.Context(), who.Subject, opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*request.Request{}
	}
	writeJSON(w, http.StatusOK, list)
}

// getRequest handles GET /v1/requests/{requestId}.
func (a *API) getRequest(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, "")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	requestID, err := requestIDParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	req, err := a.eng.GetRequest(r.Context(), requestID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !a.canView(r.Context(), who, req) {
		a.writeError(w, r, dispatch.ErrNotParticipant)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// canView reports whether who may read req: its participants, a doer
// that was offered it, or an operator.
func (a *API) canView(ctx context.Context, who *auth.Identity, req *request.Request) bool {
	if who.HasScope(auth.ScopeAdmin) {
		return true
	}
	ok, err := a.eng.CanView(ctx, req, who.Subject)
	return err == nil && ok
}

// listOffers handles GET /v1/requests/{requestId}/offers.
func (a *API) listOffers(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, "")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	requestID, err := requestIDParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	req, err := a.eng.GetRequest(r.Context(), requestID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.GiverID != who.Subject && !who.HasScope(auth.ScopeAdmin) {
		a.writeError(w, r, dispatch.ErrNotParticipant)
		return
	}

	offers, err := a.eng.ListOffers(r.Context(), requestID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []*offer.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// acceptOffer handles POST /v1/requests/{requestId}/accept.
func (a *API) acceptOffer(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, auth.ScopeDoer)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	requestID, err := requestIDParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	accepted, err := a.eng.Accept(r.Context(), requestID, who.Subject)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

// declineOffer handles POST /v1/requests/{requestId}/decline.
func (a *API) declineOffer(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, auth.ScopeDoer)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	requestID, err := requestIDParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := a.eng.Decline(r.Context(), requestID, who.Subject); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancelRequest handles POST /v1/requests/{requestId}/cancel. The giver or
// the matched doer may cancel.
func (a *API) cancelRequest(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, "")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	requestID, err := requestIDParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	req, err := a.eng.Cancel(r.Context(), requestID, who.Subject)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type lifecycleFunc func(ctx context.Context, requestID id.RequestID, doerID string) (*request.Request, error)

// advance serves the post-match transitions of the matched doer.
func (a *API) advance(step lifecycleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := caller(r, auth.ScopeDoer)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		requestID, err := requestIDParam(r)
		if err != nil {
			badRequest(w, err.Error())
			return
		}

		req, err := step(r.Context(), requestID, who.Subject)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func (a *API) markArriving(w http.ResponseWriter, r *http.Request) {
	a.advance(a.eng.MarkArriving)(w, r)
}

func (a *API) startWork(w http.ResponseWriter, r *http.Request) {
	a.advance(a.eng.StartWork)(w, r)
}

func (a *API) completeRequest(w http.ResponseWriter, r *http.Request) {
	a.advance(a.eng.Complete)(w, r)
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}
