package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// TokenFromRequest extracts a bearer token or an X-API-Key header.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// Middleware authenticates every request and stores the identity in the
// request context. Unauthenticated requests get 401.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				if _, noop := a.(*NoopAuthenticator); !noop {
					unauthorized(w, ErrUnauthorized)
					return
				}
			}
			id, err := a.Authenticate(r.Context(), token)
			if err != nil {
				unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func unauthorized(w http.ResponseWriter, err error) {
	msg := "unauthorized"
	if !errors.Is(err, ErrUnauthorized) {
		msg = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}
