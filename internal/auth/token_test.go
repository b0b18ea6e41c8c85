// ABOUTME: Unit tests for JWT token signing and verification
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and missing configuration

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestSigner_ValidToken(t *testing.T) {
	signer := NewSigner(testSecret)

	token, exp, err := signer.Generate("account-123", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if time.Until(exp) <= 59*time.Minute {
		t.Errorf("expiry = %v, want about an hour from now", exp)
	}

	sub, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if sub != "account-123" {
		t.Errorf("Verify() = %q, want %q", sub, "account-123")
	}
}

func TestSigner_InvalidToken(t *testing.T) {
	signer := NewSigner(testSecret)

	otherToken, _, err := NewSigner([]byte("different-secret")).Generate("account-123", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	foreignIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "account-123",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: otherToken},
		{name: "wrong issuer", token: foreignIssuer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signer.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestSigner_ExpiredToken(t *testing.T) {
	signer := NewSigner(testSecret)

	token, _, err := signer.Generate("account-123", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = signer.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestSigner_RequiresSecretAndSubject(t *testing.T) {
	if _, _, err := NewSigner(nil).Generate("account-123", time.Hour); !errors.Is(err, ErrNoSecret) {
		t.Errorf("Generate() without secret error = %v, want ErrNoSecret", err)
	}
	if _, _, err := NewSigner(testSecret).Generate("", time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate() without subject error = %v, want ErrMissingClaim", err)
	}
}
