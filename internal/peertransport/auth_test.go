package peertransport

import (
	"testing"
	"time"
)

func TestIssueAndVerifyToken(t *testing.T) {
	secret := []byte("token-signing-secret")

	token, err := IssueToken(secret, "peer-7", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	peerID, err := VerifyToken(secret, token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if peerID != "peer-7" {
		t.Fatalf("got peer %q, want peer-7", peerID)
	}
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("secret-a"), "peer-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := VerifyToken([]byte("secret-b"), token); err == nil {
		t.Fatal("expected verification to fail with wrong secret")
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	token, err := IssueToken([]byte("secret"), "peer-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := VerifyToken([]byte("secret"), token); err == nil {
		t.Fatal("expected verification to fail for expired token")
	}
}
