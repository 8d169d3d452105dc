package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/auth"
)

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

// statusFor maps an engine error to an HTTP status and a stable code.
// Race outcomes share 409 and are told apart by code.
func statusFor(err error) (int, string) {
	var verr *dispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, dispatch.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, dispatch.ErrLocationUnavailable):
		return http.StatusUnprocessableEntity, "location_unavailable"
	case errors.Is(err, dispatch.ErrAlreadyMatched):
		return http.StatusConflict, "already_matched"
	case errors.Is(err, dispatch.ErrOfferExpired):
		return http.StatusConflict, "offer_expired"
	case errors.Is(err, dispatch.ErrRequestCancelled):
		return http.StatusConflict, "request_cancelled"
	case errors.Is(err, dispatch.ErrOfferDeclined):
		return http.StatusConflict, "offer_declined"
	case errors.Is(err, dispatch.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, dispatch.ErrNotParticipant):
		return http.StatusForbidden, "not_participant"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, dispatch.ErrRequestNotFound):
		return http.StatusNotFound, "request_not_found"
	case errors.Is(err, dispatch.ErrOfferNotFound):
		return http.StatusNotFound, "offer_not_found"
	case errors.Is(err, dispatch.ErrDoerNotFound):
		return http.StatusNotFound, "doer_not_found"
	case errors.Is(err, dispatch.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, dispatch.ErrNetwork):
		return http.StatusServiceUnavailable, "network_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := ErrorResponse{Error: err.Error(), Code: code}

	var verr *dispatch.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("api: request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "bad_request"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
