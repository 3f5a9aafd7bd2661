package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeTokens map[string]string

func (f fakeTokens) Resolve(_ context.Context, secret string) (string, error) {
	if id, ok := f[secret]; ok {
		return id, nil
	}
	if secret == "boom" {
		return "", errors.New("store offline")
	}
	return "", ErrInvalidToken
}

func newSessions(t *testing.T, opts ...SessionOption) *Sessions {
	t.Helper()
	s, err := NewSessions("test-secret", opts...)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	return s
}

func TestSessionIssueAndVerify(t *testing.T) {
	s := newSessions(t, WithIssuer("test-issuer"), WithSessionTTL(time.Hour))
	token, expires, err := s.Issue("acct-42", "a@example.test")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiry, got %v", expires)
	}
	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "acct-42" || claims.Email != "a@example.test" || claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionRejectsTamperedAndExpired(t *testing.T) {
	now := time.Now()
	s := newSessions(t, WithSessionTTL(time.Minute), WithClock(func() time.Time { return now }))
	token, _, err := s.Issue("acct-1", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other, _ := NewSessions("another-secret")
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for wrong key, got %v", err)
	}

	parts := strings.Split(token, ".")
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"iss":"creditscribe","sub":"acct-2","exp":9999999999}`))
	tampered := strings.Join(parts, ".")
	if _, err := s.Verify(tampered); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for tampered token, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for expired token, got %v", err)
	}
}

func TestSessionRejectsOtherAlgorithms(t *testing.T) {
	s := newSessions(t)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		Subject:   "acct-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestNewSessionsRequiresSecret(t *testing.T) {
	if _, err := NewSessions("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewSessions("s", WithSessionTTL(0)); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestVerifierResolve(t *testing.T) {
	s := newSessions(t)
	v := NewVerifier(s, fakeTokens{"ext_good": "acct-7"})
	ctx := context.Background()

	session, _, _ := s.Issue("acct-9", "")
	cases := []struct {
		name string
		cred Credential
		want string
		err  error
	}{
		{"session", Credential{Kind: OwnerSession, Value: session}, "acct-9", nil},
		{"bad session", Credential{Kind: OwnerSession, Value: "not-a-jwt"}, "", ErrInvalidSession},
		{"missing session", Credential{Kind: OwnerSession}, "", ErrMissingCredential},
		{"token", Credential{Kind: DelegatedAccessToken, Value: "ext_good"}, "acct-7", nil},
		{"unknown token", Credential{Kind: DelegatedAccessToken, Value: "ext_bad"}, "", ErrInvalidToken},
		{"missing token", Credential{Kind: DelegatedAccessToken, Value: " "}, "", ErrMissingCredential},
		{"session used as token", Credential{Kind: DelegatedAccessToken, Value: session}, "", ErrInvalidToken},
		{"unknown kind", Credential{Kind: Kind(99), Value: "x"}, "", ErrUnsupportedKind},
	}
	for _, tc := range cases {
		got, err := v.Resolve(ctx, tc.cred)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.err, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %q, %v", tc.name, got, err)
		}
	}

	if _, err := v.Resolve(ctx, Credential{Kind: DelegatedAccessToken, Value: "boom"}); err == nil || errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected store failure to surface unclassified, got %v", err)
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if strings.Contains(hash, "hunter22") {
		t.Fatal("hash leaks plaintext")
	}
	if err := VerifyPassword(hash, "hunter22"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithAccount(context.Background(), " acct-3 ", DelegatedAccessToken)
	id, ok := AccountIDFromContext(ctx)
	if !ok || id != "acct-3" {
		t.Fatalf("unexpected account: %q %v", id, ok)
	}
	kind, ok := KindFromContext(ctx)
	if !ok || kind != DelegatedAccessToken {
		t.Fatalf("unexpected kind: %v %v", kind, ok)
	}
	if _, ok := AccountIDFromContext(context.Background()); ok {
		t.Fatal("expected no account on empty context")
	}
}

func TestParseBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":    "abc",
		"bearer  abc  ": "abc",
	}
	for header, want := range cases {
		got, err := ParseBearer(header)
		if err != nil || got != want {
			t.Fatalf("%q: got %q, %v", header, got, err)
		}
	}
	for _, header := range []string{"", "Bearer ", "Basic abc", "Bear"} {
		if _, err := ParseBearer(header); !errors.Is(err, ErrMissingCredential) {
			t.Fatalf("%q: expected ErrMissingCredential, got %v", header, err)
		}
	}
}
