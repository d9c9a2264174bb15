package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	svc, err := New("test-secret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, expires, err := svc.IssueToken("GWALLET123")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiration, got %v", expires)
	}

	addr, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if addr != "GWALLET123" {
		t.Fatalf("unexpected subject: %s", addr)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a, _ := New("secret-a")
	b, _ := New("secret-b")

	token, _, err := a.IssueToken("GWALLET")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	issued := time.Now().Add(-2 * time.Hour)
	svc, _ := New("test-secret", WithTTL(time.Minute), WithClock(func() time.Time { return issued }))

	token, _, err := svc.IssueToken("GWALLET")
	if err != nil {
		t.Fatal(err)
	}

	// Move the clock past expiry.
	now := time.Now()
	verify, _ := New("test-secret", WithClock(func() time.Time { return now }))
	if _, err := verify.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := SignerFromContext(ctx); ok {
		t.Fatal("empty context should not carry a signer")
	}
	ctx = ContextWithSigner(ctx, "GWALLET")
	addr, ok := SignerFromContext(ctx)
	if !ok || addr != "GWALLET" {
		t.Fatalf("unexpected signer: %s, ok=%v", addr, ok)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}
