package client

import (
	"errors"
	"fmt"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/dwp"
)

var (
	// ErrRemote marks a server error without a known stable code.
	ErrRemote = errors.New("dispatch/client: remote error")

	// ErrBadRequest means the server could not decode a frame.
	ErrBadRequest = errors.New("dispatch/client: bad request")

	errClosed = errors.New("client closed")
)

// sentinels maps the stable codes carried in ErrorDetail.Details back to
// the errors the engine returned.
var sentinels = map[string]error{
	"bad_request":          ErrBadRequest,
	"validation_failed":    dispatch.ErrValidation,
	"location_unavailable": dispatch.ErrLocationUnavailable,
	"already_matched":      dispatch.ErrAlreadyMatched,
	"offer_expired":        dispatch.ErrOfferExpired,
	"request_cancelled":    dispatch.ErrRequestCancelled,
	"offer_declined":       dispatch.ErrOfferDeclined,
	"invalid_transition":   dispatch.ErrInvalidTransition,
	"not_participant":      dispatch.ErrNotParticipant,
	"forbidden":            auth.ErrForbidden,
	"unauthorized":         auth.ErrUnauthorized,
	"request_not_found":    dispatch.ErrRequestNotFound,
	"offer_not_found":      dispatch.ErrOfferNotFound,
	"doer_not_found":       dispatch.ErrDoerNotFound,
	"rate_limited":         dispatch.ErrRateLimited,
	"network_error":        dispatch.ErrNetwork,
}

// errorFromFrame converts an error frame into a Go error so callers can
// use errors.Is with the dispatch sentinels.
func errorFromFrame(f *dwp.Frame) error {
	if f.Error == nil {
		return ErrRemote
	}
	sentinel, ok := sentinels[f.Error.Details]
	if !ok {
		switch f.Error.Code {
		case dwp.ErrCodeUnauthorized:
			sentinel = auth.ErrUnauthorized
		case dwp.ErrCodeForbidden:
			sentinel = auth.ErrForbidden
		case dwp.ErrCodeBadRequest:
			sentinel = ErrBadRequest
		default:
			sentinel = ErrRemote
		}
	}
	return fmt.Errorf("%w: %s (%d)", sentinel, f.Error.Message, f.Error.Code)
}
