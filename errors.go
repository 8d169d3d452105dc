package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("dispatch: no store configured")
	ErrStoreClosed = errors.New("dispatch: store closed")

	// Not found errors.
	ErrRequestNotFound = errors.New("dispatch: request not found")
	ErrOfferNotFound   = errors.New("dispatch: offer not found")
	ErrDoerNotFound    = errors.New("dispatch: doer not found")

	// Input errors.
	ErrValidation          = errors.New("dispatch: validation failed")
	ErrLocationUnavailable = errors.New("dispatch: location unavailable")
	ErrNotParticipant      = errors.New("dispatch: actor is not a participant of the request")
	ErrRateLimited         = errors.New("dispatch: too many requests")

	// Accept race outcomes. These are expected and benign.
	ErrOfferExpired     = errors.New("dispatch: offer expired")
	ErrAlreadyMatched   = errors.New("dispatch: request already matched")
	ErrRequestCancelled = errors.New("dispatch: request cancelled")
	ErrOfferDeclined    = errors.New("dispatch: offer already declined")

	// State errors.
	ErrInvalidTransition = errors.New("dispatch: invalid state transition")

	// Delivery errors.
	ErrNetwork = errors.New("dispatch: network error")
)

// IsRaceOutcome reports whether err is one of the benign results of
// competing accept calls. Callers show these to the user as information
// and never retry.
func IsRaceOutcome(err error) bool {
	return errors.Is(err, ErrOfferExpired) ||
		errors.Is(err, ErrAlreadyMatched) ||
		errors.Is(err, ErrRequestCancelled) ||
		errors.Is(err, ErrOfferDeclined)
}

// ValidationError lists the fields that failed validation. It unwraps to
// ErrValidation.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "dispatch: validation failed: " + strings.Join(parts, "; ")
}

// Unwrap allows errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error { return ErrValidation }
