package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGatePlain(t *testing.T) {
	t.Parallel()

	g := NewGate("s3cret", "")
	if !g.Enabled() {
		t.Fatalf("expected gate enabled")
	}
	if !g.Allow("s3cret") {
		t.Fatalf("expected matching password allowed")
	}
	if g.Allow("wrong") || g.Allow("") {
		t.Fatalf("expected mismatch and absence rejected")
	}
}

func TestGateHash(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g := NewGate("", string(hash))
	if !g.Allow("s3cret") {
		t.Fatalf("expected matching password allowed")
	}
	if g.Allow("nope") {
		t.Fatalf("expected mismatch rejected")
	}
}

func TestGateDisabled(t *testing.T) {
	t.Parallel()

	var g *Gate
	if g.Enabled() || !g.Allow("") {
		t.Fatalf("expected nil gate to allow everything")
	}
	if !NewGate("", "").Allow("anything") {
		t.Fatalf("expected empty gate to allow everything")
	}
}
