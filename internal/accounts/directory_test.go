package accounts

import (
	"context"
	"errors"
	"testing"

	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/ledger"
)

func newDirectory(t *testing.T, opts ...Option) (*Directory, *auth.Sessions, ledger.Store) {
	t.Helper()
	sessions, err := auth.NewSessions("test-secret")
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	store := ledger.NewInMemory()
	return NewDirectory(store, sessions, opts...), sessions, store
}

func TestRegisterOpensWithSignupCredits(t *testing.T) {
	d, sessions, store := newDirectory(t)
	ctx := context.Background()

	sess, err := d.Register(ctx, Registration{Email: " Ada@Example.com ", Password: "secret1", Name: "Ada"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if sess.Account.Email != "ada@example.com" || sess.Account.Balance != DefaultSignupCredits {
		t.Fatalf("unexpected account: %+v", sess.Account)
	}
	if sess.Account.PasswordHash != "" {
		t.Fatal("session must not carry the password hash")
	}
	claims, err := sessions.Verify(sess.Token)
	if err != nil || claims.Subject != sess.Account.ID {
		t.Fatalf("session does not verify: %v", err)
	}

	entries, err := store.Entries(ctx, sess.Account.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != ledger.KindAdded || ledger.Sum(entries) != DefaultSignupCredits {
		t.Fatalf("unexpected opening history: %+v", entries)
	}

	if _, err := d.Register(ctx, Registration{Email: "ada@example.com", Password: "secret1", Name: "Ada"}); !errors.Is(err, ledger.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	d, _, _ := newDirectory(t)
	cases := []Registration{
		{Email: "", Password: "secret1", Name: "A"},
		{Email: "a@b.c", Password: "", Name: "A"},
		{Email: "a@b.c", Password: "secret1", Name: " "},
		{Email: "a@b.c", Password: "12345", Name: "A"},
		{Email: "not-an-email", Password: "secret1", Name: "A"},
	}
	for _, reg := range cases {
		if _, err := d.Register(context.Background(), reg); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%+v: expected ErrInvalidInput, got %v", reg, err)
		}
	}
}

func TestZeroSignupCreditsLeavesHistoryEmpty(t *testing.T) {
	d, _, store := newDirectory(t, WithSignupCredits(0))
	sess, err := d.Register(context.Background(), Registration{Email: "z@example.com", Password: "secret1", Name: "Z"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	entries, _ := store.Entries(context.Background(), sess.Account.ID)
	if sess.Account.Balance != 0 || len(entries) != 0 {
		t.Fatalf("expected empty account, got balance=%d entries=%d", sess.Account.Balance, len(entries))
	}
}

func TestLogin(t *testing.T) {
	d, _, _ := newDirectory(t)
	ctx := context.Background()
	reg, err := d.Register(ctx, Registration{Email: "bob@example.com", Password: "hunter22", Name: "Bob"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	sess, err := d.Login(ctx, "BOB@example.com", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.Account.ID != reg.Account.ID || sess.Account.LastLoginAt == nil {
		t.Fatalf("unexpected account: %+v", sess.Account)
	}

	if _, err := d.Login(ctx, "bob@example.com", "wrong!"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := d.Login(ctx, "nobody@example.com", "hunter22"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}

	if err := d.SetActive(ctx, reg.Account.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := d.Login(ctx, "bob@example.com", "hunter22"); !errors.Is(err, ledger.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
	profile, err := d.Profile(ctx, reg.Account.ID)
	if err != nil || profile.Active || profile.PasswordHash != "" {
		t.Fatalf("unexpected profile: %+v, %v", profile, err)
	}
}
