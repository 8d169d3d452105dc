package dwp

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/id"
	"github.com/taskhub/dispatch/stream"
)

// RequiredScope returns the minimum scope required for a DWP method. An
// empty scope means any authenticated caller; the handler then checks
// that the caller takes part in the request it names.
func RequiredScope(method string) string {
	switch method {
	case MethodAuth, MethodRequestGet, MethodRequestCancel, MethodSubscribe, MethodUnsubscribe:
		return ""
	case MethodRequestCreate, MethodRequestList, MethodRequestOffers:
		return auth.ScopeGiver
	case MethodRequestArriving, MethodRequestStart, MethodRequestComplete:
		return auth.ScopeDoer
	}
	switch {
	case strings.HasPrefix(method, "offer."), strings.HasPrefix(method, "doer."):
		return auth.ScopeDoer
	default:
		// stats, federation.* and anything unknown.
		return auth.ScopeAdmin
	}
}

// authorizeTopic decides whether who may subscribe to topic. Operators
// read everything; a participant reads its own doer or giver topic and
// the topics of requests it takes part in or was offered.
func (h *Handler) authorizeTopic(ctx context.Context, who *auth.Identity, topic string) error {
	if err := stream.ValidateTopic(topic); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if who.HasScope(auth.ScopeAdmin) {
		return nil
	}

	kind, entityID := stream.ParseTopicEntity(topic)
	switch kind {
	case "doer", "giver":
		if entityID == who.Subject {
			return nil
		}
		return auth.ErrForbidden
	case "request":
		requestID, err := id.ParseRequestID(entityID)
		if err != nil {
			return fmt.Errorf("%w: invalid request ID: %v", errBadPayload, err)
		}
		r, err := h.eng.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		ok, err := h.eng.CanView(ctx, r, who.Subject)
		if err != nil {
			return err
		}
		if !ok {
			return dispatch.ErrNotParticipant
		}
		return nil
	default:
		// Global topics are for operators.
		return auth.ErrForbidden
	}
}
