// Package auth verifies the bearer tokens that identify platform users.
// Tokens are JWTs issued by the platform identity service and verified
// against its JWKS endpoint.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by a platform access token. The
// subject is the platform user ID.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Verifier validates access tokens against a remote JWKS endpoint.
type Verifier struct {
	jwks     keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewVerifier creates a verifier that fetches and caches signing keys
// from jwksURL.
func NewVerifier(jwksURL, audience, issuer string) (*Verifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &Verifier{
		jwks:     k,
		audience: audience,
		issuer:   issuer,
	}, nil
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("get audience: %w", err)
		}
		valid := false
		for _, a := range aud {
			if a == v.audience {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("invalid audience")
		}
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil {
			return nil, fmt.Errorf("get issuer: %w", err)
		}
		if iss != v.issuer {
			return nil, fmt.Errorf("invalid issuer")
		}
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// TokenFromRequest extracts a bearer token from the Authorization
// header, falling back to the token query parameter. Browsers cannot
// set headers on websocket upgrades, so the query form is accepted
// there.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
	}
	return r.URL.Query().Get("token")
}
