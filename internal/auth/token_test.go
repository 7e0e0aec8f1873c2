// ABOUTME: Tests for JWT handshake token verification and minting.
// ABOUTME: Covers valid tokens, expiry, wrong secrets, and missing claims.

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTVerifier(t *testing.T) {
	secret := []byte("test-secret-at-least-32-bytes-long!!")

	t.Run("verifies a minted token", func(t *testing.T) {
		token, err := NewAgentToken(secret, "tenantA", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		sub, err := NewJWTVerifier(secret).Verify(token)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sub != "tenantA" {
			t.Errorf("expected tenantA, got %s", sub)
		}
	})

	t.Run("maps empty namespace to dash", func(t *testing.T) {
		token, err := NewAgentToken(secret, "", 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sub, err := NewJWTVerifier(secret).Verify(token)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sub != "-" {
			t.Errorf("expected -, got %s", sub)
		}
	})

	t.Run("rejects a token signed with another secret", func(t *testing.T) {
		token, err := NewAgentToken([]byte("some-other-secret-of-enough-length"), "tenantA", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := NewJWTVerifier(secret).Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		claims := jwt.MapClaims{
			"sub": "tenantA",
			"exp": time.Now().Add(-time.Minute).Unix(),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := NewJWTVerifier(secret).Verify(token); !errors.Is(err, ErrExpiredToken) {
			t.Errorf("expected ErrExpiredToken, got %v", err)
		}
	})

	t.Run("rejects a token without a subject", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iat": time.Now().Unix()}).SignedString(secret)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := NewJWTVerifier(secret).Verify(token); !errors.Is(err, ErrMissingClaim) {
			t.Errorf("expected ErrMissingClaim, got %v", err)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, err := NewJWTVerifier(secret).Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})
}
