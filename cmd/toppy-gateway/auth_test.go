package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestOpaqueVerifier(t *testing.T) {
	v := opaqueVerifier{token: "secret"}
	if err := v.Verify("secret"); err != nil {
		t.Fatalf("expected match to verify, got %v", err)
	}
	if err := v.Verify("wrong"); err == nil {
		t.Fatal("expected mismatch to fail")
	}
	if err := v.Verify(""); err == nil {
		t.Fatal("expected empty token to fail")
	}
}

func signHS256(t *testing.T, secret []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestJWTVerifierAccepts(t *testing.T) {
	secret := []byte("test-secret")
	v := jwtVerifier{secret: secret, iss: "toppy-issuer", aud: "toppy-gateway"}
	token := signHS256(t, secret, jwt.RegisteredClaims{
		Issuer:    "toppy-issuer",
		Audience:  jwt.ClaimStrings{"toppy-gateway"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err := v.Verify(token); err != nil {
		t.Fatalf("expected valid jwt to verify, got %v", err)
	}
}

func TestJWTVerifierRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	v := jwtVerifier{secret: secret}
	token := signHS256(t, secret, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	if err := v.Verify(token); err == nil {
		t.Fatal("expected expired jwt to fail")
	}
}

func TestJWTVerifierRejectsWrongAudience(t *testing.T) {
	secret := []byte("test-secret")
	v := jwtVerifier{secret: secret, aud: "expected-aud"}
	token := signHS256(t, secret, jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{"other-aud"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err := v.Verify(token); err == nil {
		t.Fatal("expected audience mismatch to fail")
	}
}

func TestJWTVerifierRejectsWrongSecret(t *testing.T) {
	v := jwtVerifier{secret: []byte("correct-secret")}
	token := signHS256(t, []byte("wrong-secret"), jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err := v.Verify(token); err == nil {
		t.Fatal("expected signature mismatch to fail")
	}
}

func TestBearerToken(t *testing.T) {
	tok, ok := bearerToken("Bearer abc123")
	if !ok || tok != "abc123" {
		t.Fatalf("expected abc123, got %q ok=%v", tok, ok)
	}
	if _, ok := bearerToken(""); ok {
		t.Fatal("expected empty header to fail")
	}
	if _, ok := bearerToken("Basic abc123"); ok {
		t.Fatal("expected non-bearer scheme to fail")
	}
}
