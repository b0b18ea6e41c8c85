// ABOUTME: JWT minting and verification for bearer credentials sent to chat backends
// ABOUTME: Uses HS256 signing with a configurable secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrNoSecret     = errors.New("jwt secret not configured")
)

// Issuer is stamped into every token this package mints.
const Issuer = "coven-chat"

// Signer mints and verifies HS256 bearer tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer with the given secret
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Generate creates a token for subject that expires after ttl.
// It returns the token together with its expiry so callers can cache it.
func (s *Signer) Generate(subject string, ttl time.Duration) (string, time.Time, error) {
	if len(s.secret) == 0 {
		return "", time.Time{}, ErrNoSecret
	}
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := s.now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}

// Verify validates the token and returns its subject.
func (s *Signer) Verify(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}
