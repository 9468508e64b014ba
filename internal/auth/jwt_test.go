package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwksServer serves a single-key JWKS for a freshly generated RSA key.
func jwksServer(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)
	return srv, key
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    "ai-agent-platform",
			Audience:  jwt.ClaimStrings{"workspace-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email: "user@example.com",
	}
}

func TestVerifyValidToken(t *testing.T) {
	srv, key := jwksServer(t)

	v, err := NewVerifier(srv.URL, "workspace-api", "ai-agent-platform")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims, err := v.Verify(signToken(t, key, baseClaims()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Errorf("expected subject 'user-123', got %q", claims.Subject)
	}
	if claims.Email != "user@example.com" {
		t.Errorf("expected email claim, got %q", claims.Email)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	srv, key := jwksServer(t)

	v, err := NewVerifier(srv.URL, "workspace-api", "ai-agent-platform")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := baseClaims()
	claims.Audience = jwt.ClaimStrings{"some-other-service"}
	if _, err := v.Verify(signToken(t, key, claims)); err == nil {
		t.Fatal("expected audience rejection")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	srv, key := jwksServer(t)

	v, err := NewVerifier(srv.URL, "workspace-api", "ai-agent-platform")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := baseClaims()
	claims.Issuer = "not-the-platform"
	if _, err := v.Verify(signToken(t, key, claims)); err == nil {
		t.Fatal("expected issuer rejection")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	srv, key := jwksServer(t)

	v, err := NewVerifier(srv.URL, "workspace-api", "ai-agent-platform")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := baseClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	if _, err := v.Verify(signToken(t, key, claims)); err == nil {
		t.Fatal("expected expiry rejection")
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	srv, key := jwksServer(t)

	v, err := NewVerifier(srv.URL, "workspace-api", "ai-agent-platform")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := baseClaims()
	claims.Subject = ""
	if _, err := v.Verify(signToken(t, key, claims)); err == nil {
		t.Fatal("expected missing-subject rejection")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/workspace/u1", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := TokenFromRequest(r); got != "abc123" {
		t.Errorf("expected header token, got %q", got)
	}

	r = httptest.NewRequest("GET", "/workspace/u1?token=query456", nil)
	if got := TokenFromRequest(r); got != "query456" {
		t.Errorf("expected query token, got %q", got)
	}

	// Header wins over query when both are present.
	r = httptest.NewRequest("GET", "/workspace/u1?token=query456", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := TokenFromRequest(r); got != "abc123" {
		t.Errorf("expected header precedence, got %q", got)
	}

	r = httptest.NewRequest("GET", "/workspace/u1", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := TokenFromRequest(r); got != "" {
		t.Errorf("expected empty token for non-bearer auth, got %q", got)
	}
}
