package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	t.Parallel()

	a := NewAPIKeyAuthenticator(
		APIKeyEntry{
			Token:    "dk_giver_123",
			Identity: Identity{Subject: "giver-1", Scopes: []string{ScopeGiver}},
		},
		APIKeyEntry{
			Token:    "dk_admin_456",
			Identity: Identity{Subject: "admin-1", Scopes: []string{ScopeAll}},
		},
	)

	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		id, err := a.Authenticate(ctx, "dk_giver_123")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.Subject != "giver-1" {
			t.Errorf("Subject = %q, want %q", id.Subject, "giver-1")
		}
		id.Subject = "mutated"
		again, _ := a.Authenticate(ctx, "dk_giver_123")
		if again.Subject != "giver-1" {
			t.Error("Authenticate returned a shared identity")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		if _, err := a.Authenticate(ctx, "invalid"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})
}

func TestIdentityHasScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		scopes   []string
		check    string
		expected bool
	}{
		{"exact match", []string{ScopeDoer}, ScopeDoer, true},
		{"no match", []string{ScopeDoer}, ScopeGiver, false},
		{"wildcard", []string{ScopeAll}, ScopeAdmin, true},
		{"multiple scopes", []string{ScopeGiver, ScopeDoer}, ScopeDoer, true},
		{"empty scopes", nil, ScopeGiver, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{Subject: "test", Scopes: tt.scopes}
			if got := id.HasScope(tt.check); got != tt.expected {
				t.Errorf("HasScope(%q) = %v, want %v", tt.check, got, tt.expected)
			}
		})
	}

	var none *Identity
	if none.HasScope(ScopeGiver) {
		t.Error("nil identity has a scope")
	}
}

func TestCompositeAuthenticator(t *testing.T) {
	t.Parallel()

	keys := NewAPIKeyAuthenticator(APIKeyEntry{Token: "key", Identity: Identity{Subject: "doer-1"}})
	jwtAuth := NewJWTAuthenticator("secret", "dispatch")
	token, err := jwtAuth.Issue("giver-9", []string{ScopeGiver}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	c := NewCompositeAuthenticator(keys, jwtAuth)
	ctx := context.Background()

	if id, err := c.Authenticate(ctx, "key"); err != nil || id.Subject != "doer-1" {
		t.Fatalf("api key: %v, %v", id, err)
	}
	if id, err := c.Authenticate(ctx, token); err != nil || id.Subject != "giver-9" {
		t.Fatalf("jwt: %v, %v", id, err)
	}
	if _, err := c.Authenticate(ctx, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown token err = %v", err)
	}
}

func TestJWTAuthenticator(t *testing.T) {
	t.Parallel()

	a := NewJWTAuthenticator("secret", "dispatch")
	ctx := context.Background()

	good, err := a.Issue("doer-7", []string{ScopeDoer}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := a.Authenticate(ctx, good)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Subject != "doer-7" || !id.HasScope(ScopeDoer) {
		t.Fatalf("identity = %+v", id)
	}

	expired, err := a.Issue("doer-7", nil, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other, err := NewJWTAuthenticator("other-secret", "dispatch").Issue("doer-7", nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	foreign, err := NewJWTAuthenticator("secret", "someone-else").Issue("doer-7", nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for name, token := range map[string]string{
		"expired":      expired,
		"wrong key":    other,
		"wrong issuer": foreign,
		"not a jwt":    "abc.def",
	} {
		if _, err := a.Authenticate(ctx, token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: err = %v, want ErrUnauthorized", name, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	a := NewAPIKeyAuthenticator(APIKeyEntry{Token: "key", Identity: Identity{Subject: "giver-1"}})
	var seen string
	h := Middleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := FromContext(r.Context())
		seen = id.Subject
	}))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer key", http.StatusOK},
		{"api key header", "X-API-Key", "key", http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "Authorization", "Bearer other", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set(tt.header, tt.value)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
	if seen != "giver-1" {
		t.Errorf("identity subject = %q", seen)
	}
}

func TestRequire(t *testing.T) {
	t.Parallel()

	id := &Identity{Subject: "doer-1", Scopes: []string{ScopeDoer}}
	if err := Require(id, ScopeDoer); err != nil {
		t.Errorf("Require(doer) = %v", err)
	}
	if err := Require(id, ScopeAdmin); !errors.Is(err, ErrForbidden) {
		t.Errorf("Require(admin) = %v, want ErrForbidden", err)
	}
	if err := Require(id, ""); err != nil {
		t.Errorf("Require(\"\") = %v", err)
	}
}
