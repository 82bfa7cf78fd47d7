package credential

import (
	"context"
	"errors"
	"testing"

	"authcore.io/internal/cache"
	"authcore.io/internal/directory"
	"authcore.io/internal/ids"
	"authcore.io/internal/store"
)

func newTestFixture(t *testing.T) (*store.Memory, *directory.Directory) {
	t.Helper()
	st := store.NewMemory()
	if err := st.EnsureNamespace(context.Background(), "t"); err != nil {
		t.Fatal(err)
	}
	return st, directory.New(st, cache.NewMemory())
}

func TestVerifyPassword(t *testing.T) {
	ctx := context.Background()
	st, dir := newTestFixture(t)
	v := NewPasswordVerifier(st, dir)

	identity, err := dir.CreateIdentity(ctx, "t", "svc", true, directory.Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	if err := v.SetPassword(ctx, "t", identity.ID, "correct horse"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	got, err := v.VerifyPassword(ctx, "t", identity.ID, "correct horse")
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if got.ID != identity.ID {
		t.Fatalf("verified wrong identity: %s", got.ID)
	}

	if _, err := v.VerifyPassword(ctx, "t", identity.ID, "wrong"); !errors.Is(err, ErrCredentialsInvalid) {
		t.Fatalf("wrong password: got %v", err)
	}
}

func TestVerifyPasswordUniformFailures(t *testing.T) {
	ctx := context.Background()
	st, dir := newTestFixture(t)
	v := NewPasswordVerifier(st, dir)

	identity, err := dir.CreateIdentity(ctx, "t", "svc", true, directory.Unmanaged())
	if err != nil {
		t.Fatal(err)
	}

	// No password configured: same error as wrong password.
	if _, err := v.VerifyPassword(ctx, "t", identity.ID, "anything"); !errors.Is(err, ErrCredentialsInvalid) {
		t.Fatalf("unconfigured password: got %v", err)
	}
	// Nonexistent identity: same error again.
	if _, err := v.VerifyPassword(ctx, "t", ids.New(), "anything"); !errors.Is(err, ErrCredentialsInvalid) {
		t.Fatalf("missing identity: got %v", err)
	}
}

func TestVerifyPasswordInactiveAfterComparison(t *testing.T) {
	ctx := context.Background()
	st, dir := newTestFixture(t)
	v := NewPasswordVerifier(st, dir)

	identity, err := dir.CreateIdentity(ctx, "t", "svc", true, directory.Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	if err := v.SetPassword(ctx, "t", identity.ID, "pw"); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.SetActive(ctx, "t", identity.ID, false); err != nil {
		t.Fatal(err)
	}

	// Correct password on an inactive identity is the only case that
	// reveals more than "invalid".
	if _, err := v.VerifyPassword(ctx, "t", identity.ID, "pw"); !errors.Is(err, ErrIdentityNotActive) {
		t.Fatalf("inactive with correct password: got %v", err)
	}
	// Wrong password on an inactive identity stays indistinguishable.
	if _, err := v.VerifyPassword(ctx, "t", identity.ID, "wrong"); !errors.Is(err, ErrCredentialsInvalid) {
		t.Fatalf("inactive with wrong password: got %v", err)
	}
}

func TestSetPasswordRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	st, dir := newTestFixture(t)
	v := NewPasswordVerifier(st, dir)
	if err := v.SetPassword(ctx, "t", ids.New(), "pw"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := v.SetPassword(ctx, "t", "bad-id", "pw"); !errors.Is(err, directory.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}
