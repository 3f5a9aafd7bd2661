package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"creditscribe.org/internal/accounts"
	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/ledger"
)

func TestFromClassifiesEveryKind(t *testing.T) {
	cases := []struct {
		err      error
		textCode string
		status   int
	}{
		{ledger.ErrInvalidAmount, CodeValidation, http.StatusBadRequest},
		{fmt.Errorf("%w: bad email", accounts.ErrInvalidInput), CodeValidation, http.StatusBadRequest},
		{ledger.ErrAccountNotFound, CodeAccountNotFound, http.StatusNotFound},
		{ledger.ErrAccountInactive, CodeAccountInactive, http.StatusForbidden},
		{ledger.ErrAccountExists, CodeAccountExists, http.StatusConflict},
		{ledger.ErrTokenNotFound, CodeTokenNotFound, http.StatusNotFound},
		{auth.ErrMissingCredential, CodeMissingCredential, http.StatusUnauthorized},
		{auth.ErrInvalidCredentials, CodeInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrInvalidSession, CodeInvalidSession, http.StatusUnauthorized},
		{auth.ErrInvalidToken, CodeInvalidToken, http.StatusUnauthorized},
		{&ledger.InsufficientCreditsError{Current: 70, Required: 80}, CodeInsufficient, http.StatusConflict},
		{errors.New("disk on fire"), CodeInternal, http.StatusInternalServerError},
		{context.DeadlineExceeded, CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got := From(tc.err)
		if got.TextCode != tc.textCode || got.Code != tc.status {
			t.Fatalf("From(%v) = %s/%d, want %s/%d", tc.err, got.TextCode, got.Code, tc.textCode, tc.status)
		}
	}
	if From(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestInsufficientCarriesAmounts(t *testing.T) {
	wrapped := fmt.Errorf("spend: %w", &ledger.InsufficientCreditsError{Current: 70, Required: 80})
	got := From(wrapped)
	if got.Metadata["current_credits"] != int64(70) || got.Metadata["required_credits"] != int64(80) {
		t.Fatalf("unexpected metadata: %v", got.Metadata)
	}
}

func TestInternalMessageHidesCause(t *testing.T) {
	got := From(errors.New("pq: password authentication failed"))
	if got.Message != "internal failure" {
		t.Fatalf("unexpected message %q", got.Message)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(errors.New("connection reset")) {
		t.Fatal("internal failures should be retryable")
	}
	for _, err := range []error{
		nil,
		&ledger.InsufficientCreditsError{Current: 1, Required: 2},
		auth.ErrInvalidToken,
		auth.ErrInvalidSession,
		ledger.ErrInvalidAmount,
	} {
		if Retryable(err) {
			t.Fatalf("%v must not be retryable", err)
		}
	}
}

func TestFromKeepsClassifiedErrors(t *testing.T) {
	in := Validation("amount is required")
	if got := From(fmt.Errorf("decode: %w", in)); got.TextCode != CodeValidation || got.Message != "amount is required" {
		t.Fatalf("classified error not preserved: %+v", got)
	}
	if got := From(RateLimited()); got.Code != http.StatusTooManyRequests || got.TextCode != CodeRateLimited {
		t.Fatalf("unexpected rate limit fault: %+v", got)
	}
}
