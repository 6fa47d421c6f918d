package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier is the gateway's bearer-token verification backend
// (§4.5, §9's "Gateway token strategies"). Selected once at startup from
// the environment; never branched on per-request.
type TokenVerifier interface {
	Verify(token string) error
}

// opaqueVerifier accepts a single shared-secret token by direct equality.
type opaqueVerifier struct {
	token string
}

func (v opaqueVerifier) Verify(token string) error {
	if token == "" || token != v.token {
		return errors.New("token rejected: opaque token mismatch")
	}
	return nil
}

// jwtVerifier verifies an HS256-signed bearer token, optionally checking
// issuer and audience claims.
type jwtVerifier struct {
	secret []byte
	iss    string
	aud    string
}

func (v jwtVerifier) Verify(token string) error {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fmt.Errorf("token rejected: expired: %w", err)
		}
		return fmt.Errorf("token rejected: %w", err)
	}
	if !parsed.Valid {
		return errors.New("token rejected: invalid jwt")
	}
	if v.iss != "" && claims.Issuer != v.iss {
		return errors.New("token rejected: issuer mismatch")
	}
	if v.aud != "" {
		ok := false
		for _, a := range claims.Audience {
			if a == v.aud {
				ok = true
				break
			}
		}
		if !ok {
			return errors.New("token rejected: audience mismatch")
		}
	}
	return nil
}

// NewTokenVerifierFromEnv selects a backend per §4.5/§9: JWT HS256 if
// TOPPY_GW_JWT_SECRET is set, else opaque equality against TOPPY_GW_TOKEN.
func NewTokenVerifierFromEnv() (TokenVerifier, error) {
	if secret := os.Getenv("TOPPY_GW_JWT_SECRET"); secret != "" {
		return jwtVerifier{
			secret: []byte(secret),
			iss:    os.Getenv("TOPPY_GW_JWT_ISS"),
			aud:    os.Getenv("TOPPY_GW_JWT_AUD"),
		}, nil
	}
	if token := os.Getenv("TOPPY_GW_TOKEN"); token != "" {
		return opaqueVerifier{token: token}, nil
	}
	return nil, errors.New("no token verification backend configured: set TOPPY_GW_TOKEN or TOPPY_GW_JWT_SECRET")
}
