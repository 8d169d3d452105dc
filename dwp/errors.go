package dwp

import (
	"errors"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/auth"
)

// errBadPayload marks a frame whose data could not be decoded.
var errBadPayload = errors.New("dwp: bad payload")

// codeFor maps an engine error to a frame error code and the stable code
// carried in ErrorDetail.Details. Race outcomes share 409 and are told
// apart by the stable code.
func codeFor(err error) (int, string) {
	var verr *dispatch.ValidationError
	switch {
	case errors.Is(err, errBadPayload):
		return ErrCodeBadRequest, "bad_request"
	case errors.As(err, &verr), errors.Is(err, dispatch.ErrValidation):
		return ErrCodeUnprocessable, "validation_failed"
	case errors.Is(err, dispatch.ErrLocationUnavailable):
		return ErrCodeUnprocessable, "location_unavailable"
	case errors.Is(err, dispatch.ErrAlreadyMatched):
		return ErrCodeConflict, "already_matched"
	case errors.Is(err, dispatch.ErrOfferExpired):
		return ErrCodeConflict, "offer_expired"
	case errors.Is(err, dispatch.ErrRequestCancelled):
		return ErrCodeConflict, "request_cancelled"
	case errors.Is(err, dispatch.ErrOfferDeclined):
		return ErrCodeConflict, "offer_declined"
	case errors.Is(err, dispatch.ErrInvalidTransition):
		return ErrCodeConflict, "invalid_transition"
	case errors.Is(err, dispatch.ErrNotParticipant):
		return ErrCodeForbidden, "not_participant"
	case errors.Is(err, auth.ErrForbidden):
		return ErrCodeForbidden, "forbidden"
	case errors.Is(err, auth.ErrUnauthorized):
		return ErrCodeUnauthorized, "unauthorized"
	case errors.Is(err, dispatch.ErrRequestNotFound):
		return ErrCodeNotFound, "request_not_found"
	case errors.Is(err, dispatch.ErrOfferNotFound):
		return ErrCodeNotFound, "offer_not_found"
	case errors.Is(err, dispatch.ErrDoerNotFound):
		return ErrCodeNotFound, "doer_not_found"
	case errors.Is(err, dispatch.ErrRateLimited):
		return ErrCodeTooManyRequests, "rate_limited"
	case errors.Is(err, dispatch.ErrNetwork):
		return ErrCodeUnavailable, "network_error"
	default:
		return ErrCodeInternal, "internal"
	}
}

// IsCode reports whether f is an error frame carrying the stable code.
func IsCode(f *Frame, code string) bool {
	return f != nil && f.Type == FrameErr && f.Error != nil && f.Error.Details == code
}
