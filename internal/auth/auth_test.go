package auth

import (
	"testing"

	"github.com/rs/zerolog"

	"groupjam/server/internal/apperr"
	"groupjam/server/internal/registry"
)

func newTestService() *Service {
	return NewService("test-secret", registry.New(zerolog.Nop()), zerolog.Nop())
}

func TestMintRequiresUserID(t *testing.T) {
	s := newTestService()
	if _, err := s.Mint("", "Alice"); err == nil {
		t.Fatal("expected error for empty external user id")
	} else if e, ok := apperr.As(err); !ok || e.Kind != apperr.InvalidInput {
		t.Fatalf("expected InvalidInput kind, got %v", err)
	}
}

func TestMintThenVerifyRoundTrips(t *testing.T) {
	s := newTestService()
	tok, err := s.Mint("user-1", "Alice")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	p, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", p.UserID)
	}
	if p.DisplayName != "Alice" {
		t.Fatalf("expected Alice, got %s", p.DisplayName)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := newTestService()
	if _, err := s.Verify("not-a-token"); err == nil {
		t.Fatal("expected error for malformed token")
	} else if e, ok := apperr.As(err); !ok || e.Kind != apperr.PermissionDenied {
		t.Fatalf("expected PermissionDenied kind, got %v", err)
	}
}

func TestVerifyRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	s1 := NewService("secret-a", reg, zerolog.Nop())
	s2 := NewService("secret-b", reg, zerolog.Nop())

	tok, err := s1.Mint("user-1", "Alice")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := s2.Verify(tok); err == nil {
		t.Fatal("expected verification to fail across different secrets")
	}
}

func TestMintTwiceUpdatesDisplayNameKeepsFrequency(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	s := NewService("secret", reg, zerolog.Nop())

	if _, err := s.Mint("user-1", "Alice"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	u1, _ := reg.User("user-1")

	if _, err := s.Mint("user-1", "Alice Renamed"); err != nil {
		t.Fatalf("second mint: %v", err)
	}
	u2, _ := reg.User("user-1")

	if u2.DisplayName != "Alice Renamed" {
		t.Fatalf("expected display name updated, got %s", u2.DisplayName)
	}
	if u1.Frequency != u2.Frequency {
		t.Fatalf("expected stable frequency, got %v then %v", u1.Frequency, u2.Frequency)
	}
}
