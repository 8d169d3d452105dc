// Package auth authenticates the participants of the dispatch service. The
// HTTP API and the DWP websocket transport share it: a token resolves to an
// Identity whose Subject is the giver or doer ID used by the engine.
package auth

import (
	"context"
	"errors"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the giver or doer ID the caller acts as.
	Subject string `json:"subject"`

	// Scopes defines what the caller may do.
	// Examples: "giver", "doer", "admin", "*"
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope returns true if the identity has the given scope.
// A wildcard "*" scope grants all permissions.
func (id *Identity) HasScope(scope string) bool {
	if id == nil {
		return false
	}
	for _, s := range id.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("dispatch/auth: unauthorized")

// ErrForbidden indicates an authenticated caller lacking a scope.
var ErrForbidden = errors.New("dispatch/auth: forbidden")

// ── Scope constants ─────────────────────────────────

const (
	// ScopeGiver allows creating and cancelling requests.
	ScopeGiver = "giver"
	// ScopeDoer allows heartbeats, positions and answering offers.
	ScopeDoer = "doer"
	// ScopeAdmin allows operator topics and reads.
	ScopeAdmin = "admin"
	// ScopeAll grants everything.
	ScopeAll = "*"
)

// Require returns ErrForbidden unless id has scope.
func Require(id *Identity, scope string) error {
	if scope == "" || id.HasScope(scope) {
		return nil
	}
	return ErrForbidden
}

// ── API Key authenticator ───────────────────────────

// APIKeyEntry maps a token to an identity.
type APIKeyEntry struct {
	Token    string
	Identity Identity
}

// APIKeyAuthenticator validates API keys against a static list.
type APIKeyAuthenticator struct {
	keys map[string]*Identity
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(entries ...APIKeyEntry) *APIKeyAuthenticator {
	keys := make(map[string]*Identity, len(entries))
	for _, e := range entries {
		id := e.Identity
		keys[e.Token] = &id
	}
	return &APIKeyAuthenticator{keys: keys}
}

func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	id, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	cp := *id
	return &cp, nil
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator trusts the token as the subject and grants every
// scope. Use for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		token = "anonymous"
	}
	return &Identity{
		Subject: token,
		Scopes:  []string{ScopeAll},
	}, nil
}

// ── Composite authenticator ─────────────────────────

// CompositeAuthenticator tries multiple authenticators in order.
// The first successful authentication wins.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

// NewCompositeAuthenticator chains multiple authenticators.
func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

func (c *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	for _, a := range c.authenticators {
		id, err := a.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
	}
	return nil, ErrUnauthorized
}

// ── Context ─────────────────────────────────────────

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
