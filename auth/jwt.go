package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Claims are the JWT claims of a participant token.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-signed participant tokens. The subject
// claim becomes the identity subject.
type JWTAuthenticator struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

// NewJWTAuthenticator creates a JWT authenticator. An empty issuer accepts
// tokens from any issuer.
func NewJWTAuthenticator(signingKey, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		now:        time.Now,
	}
}

// Issue signs a token for subject with scopes, valid for ttl.
func (a *JWTAuthenticator) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.signingKey)
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}
