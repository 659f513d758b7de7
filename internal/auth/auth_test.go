package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Sign("alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "alice" {
		t.Errorf("expected alice, got %q", userID)
	}
}

func TestVerifyFallsBackToSubject(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Sign("", jwt.RegisteredClaims{Subject: "bob"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	userID, err := v.Verify(token)
	if err != nil || userID != "bob" {
		t.Fatalf("expected bob, got %q err=%v", userID, err)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := newTestVerifier(t)

	other, _ := NewVerifier("other-secret")
	foreign, _ := other.Sign("alice", jwt.RegisteredClaims{})
	expired, _ := v.Sign("alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	anonymous, _ := v.Sign("", jwt.RegisteredClaims{})
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"wrong secret": foreign,
		"expired":      expired,
		"no user":      anonymous,
		"alg none":     none,
		"garbage":      "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestAuthenticateReadsQueryAndHeader(t *testing.T) {
	v := newTestVerifier(t)
	token, _ := v.Sign("carol", jwt.RegisteredClaims{})

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	if id, err := v.Authenticate(r); err != nil || id != "carol" {
		t.Fatalf("query token: id=%q err=%v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if id, err := v.Authenticate(r); err != nil || id != "carol" {
		t.Fatalf("header token: id=%q err=%v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if _, err := v.Authenticate(r); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
