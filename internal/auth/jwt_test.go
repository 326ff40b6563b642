package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndAuthenticate(t *testing.T) {
	ts := NewTokenService([]byte("test-secret-key-for-testing-only"), 7*24*time.Hour)

	token, expiresAt, err := ts.Issue(Identity{UserID: 1, Name: "alice", ServerAdmin: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if expiresAt.Before(time.Now()) {
		t.Error("expected expiration in the future")
	}

	id, err := ts.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != 1 {
		t.Errorf("UserID: expected 1, got %d", id.UserID)
	}
	if id.Name != "alice" {
		t.Errorf("Name: expected %q, got %q", "alice", id.Name)
	}
	if !id.ServerAdmin {
		t.Error("expected ServerAdmin to survive the round trip")
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	// Token that expired 1 hour ago.
	ts := NewTokenService([]byte("test-secret"), -1*time.Hour)

	token, _, err := ts.Issue(Identity{UserID: 2, Name: "bob"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err = ts.Authenticate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestAuthenticateWrongSecret(t *testing.T) {
	ts1 := NewTokenService([]byte("secret-one"), 7*24*time.Hour)
	ts2 := NewTokenService([]byte("secret-two"), 7*24*time.Hour)

	token, _, err := ts1.Issue(Identity{UserID: 3, Name: "carol"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ts2.Authenticate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestAuthenticateGarbage(t *testing.T) {
	ts := NewTokenService([]byte("secret"), time.Hour)
	if _, err := ts.Authenticate("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithIdentity(t.Context(), Identity{UserID: 7, Name: "dave"})
	id, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatal("expected identity in context")
	}
	if id.UserID != 7 || id.Name != "dave" {
		t.Errorf("unexpected identity: %+v", id)
	}

	if _, ok := IdentityFromContext(t.Context()); ok {
		t.Error("expected no identity in fresh context")
	}
}
