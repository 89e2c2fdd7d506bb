package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestLegacySingleSecret(t *testing.T) {
	v := NewVerifier(true, TokenEpoch{Active: "s3cret"})

	sub, err := v.Verify("s3cret")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "token" {
		t.Fatalf("subject = %q", sub)
	}

	if _, err := v.Verify("wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret = %v, want ErrInvalidToken", err)
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token = %v, want ErrInvalidToken", err)
	}
}

func TestRotationWindow(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := deadline.Add(-time.Hour)
	v := NewVerifier(true, TokenEpoch{
		Active:           "old-secret",
		Next:             "new-secret",
		RotationDeadline: &deadline,
	}).WithClock(func() time.Time { return now })

	// Before the deadline both secrets are accepted.
	if _, err := v.Verify("old-secret"); err != nil {
		t.Fatalf("active before deadline: %v", err)
	}
	if _, err := v.Verify("new-secret"); err != nil {
		t.Fatalf("next before deadline: %v", err)
	}

	// At the deadline the active secret is retired.
	now = deadline
	if _, err := v.Verify("old-secret"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("active at deadline = %v, want ErrInvalidToken", err)
	}
	if _, err := v.Verify("new-secret"); err != nil {
		t.Fatalf("next at deadline: %v", err)
	}

	// And stays retired after.
	now = deadline.Add(time.Hour)
	if _, err := v.Verify("old-secret"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("active after deadline = %v, want ErrInvalidToken", err)
	}
}

func TestDeadlineWithoutSuccessorKeepsActive(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(true, TokenEpoch{
		Active:           "only-secret",
		RotationDeadline: &deadline,
	}).WithClock(func() time.Time { return deadline.Add(time.Hour) })

	if _, err := v.Verify("only-secret"); err != nil {
		t.Fatalf("active without successor: %v", err)
	}
}

func TestDevModeWithoutSecrets(t *testing.T) {
	v := NewVerifier(false, TokenEpoch{})
	sub, err := v.Verify("")
	if err != nil {
		t.Fatalf("dev-mode verify: %v", err)
	}
	if sub != "anonymous" {
		t.Fatalf("subject = %q, want anonymous", sub)
	}

	// Enforcement with no secret configured locks everyone out rather
	// than silently accepting.
	strict := NewVerifier(true, TokenEpoch{})
	if _, err := strict.Verify("anything"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("enforced empty epoch = %v, want ErrInvalidToken", err)
	}
}

func signToken(t *testing.T, secret, subject string, now time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTForm(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(true, TokenEpoch{Active: "hmac-secret"}).
		WithClock(func() time.Time { return now })

	sub, err := v.Verify(signToken(t, "hmac-secret", "node-7", now))
	if err != nil {
		t.Fatalf("verify jwt: %v", err)
	}
	if sub != "node-7" {
		t.Fatalf("subject = %q, want node-7", sub)
	}

	if _, err := v.Verify(signToken(t, "other-secret", "node-7", now)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign signature = %v, want ErrInvalidToken", err)
	}

	expired := signToken(t, "hmac-secret", "node-7", now.Add(-2*time.Hour))
	if _, err := v.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired jwt = %v, want ErrInvalidToken", err)
	}
}

func TestJWTSignedWithNextSecret(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := deadline.Add(-time.Hour)
	v := NewVerifier(true, TokenEpoch{
		Active:           "old-secret",
		Next:             "new-secret",
		RotationDeadline: &deadline,
	}).WithClock(func() time.Time { return now })

	sub, err := v.Verify(signToken(t, "new-secret", "node-3", now))
	if err != nil {
		t.Fatalf("jwt with next secret: %v", err)
	}
	if sub != "node-3" {
		t.Fatalf("subject = %q", sub)
	}
}
