package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerifyToken(t *testing.T) {
	secret := []byte("test-secret")
	principal := Principal{UserID: "u_1", Name: "Avery", Tenant: "acme"}

	token, err := IssueToken(secret, principal, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	got, err := VerifyToken(secret, token)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if got != principal {
		t.Fatalf("expected principal %+v, got %+v", principal, got)
	}
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("secret-a"), Principal{UserID: "u_1", Name: "Avery"}, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, err := VerifyToken([]byte("secret-b"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	token, err := IssueToken([]byte("secret"), Principal{UserID: "u_1", Name: "Avery"}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, err := VerifyToken([]byte("secret"), token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	if _, err := VerifyToken([]byte("secret"), "not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := VerifyToken([]byte("secret"), ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
