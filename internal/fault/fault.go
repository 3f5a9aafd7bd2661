// Package fault classifies domain errors into the machine-readable kinds
// clients branch on, rendered as go-errors envelopes.
package fault

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"creditscribe.org/internal/accounts"
	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/ledger"
)

const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	CodeAccountInactive    = "ACCOUNT_INACTIVE"
	CodeAccountExists      = "ACCOUNT_EXISTS"
	CodeMissingCredential  = "MISSING_CREDENTIAL"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeInvalidSession     = "INVALID_OR_EXPIRED_SESSION"
	CodeInvalidToken       = "INVALID_OR_EXPIRED_TOKEN"
	CodeInsufficient       = "INSUFFICIENT_CREDITS"
	CodeTokenNotFound      = "TOKEN_NOT_FOUND"
	CodeInternal           = "INTERNAL_FAILURE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeRouteNotFound      = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
)

// From maps err onto the taxonomy. Unrecognised errors become
// INTERNAL_FAILURE with the cause kept out of the message.
func From(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var classified *goerrors.Error
	if errors.As(err, &classified) && classified.TextCode != "" {
		return classified
	}
	var insufficient *ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return goerrors.New("insufficient credits", goerrors.CategoryConflict).
			WithCode(http.StatusConflict).
			WithTextCode(CodeInsufficient).
			WithMetadata(map[string]any{
				"current_credits":  insufficient.Current,
				"required_credits": insufficient.Required,
			})
	}
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, accounts.ErrInvalidInput):
		return newError(err.Error(), goerrors.CategoryValidation, http.StatusBadRequest, CodeValidation)
	case errors.Is(err, ledger.ErrAccountNotFound):
		return newError("account not found", goerrors.CategoryNotFound, http.StatusNotFound, CodeAccountNotFound)
	case errors.Is(err, ledger.ErrAccountInactive):
		return newError("account is inactive", goerrors.CategoryAuthz, http.StatusForbidden, CodeAccountInactive)
	case errors.Is(err, ledger.ErrAccountExists):
		return newError("an account with this email already exists", goerrors.CategoryConflict, http.StatusConflict, CodeAccountExists)
	case errors.Is(err, ledger.ErrTokenNotFound):
		return newError("access token not found", goerrors.CategoryNotFound, http.StatusNotFound, CodeTokenNotFound)
	case errors.Is(err, auth.ErrMissingCredential):
		return newError("credential required", goerrors.CategoryAuth, http.StatusUnauthorized, CodeMissingCredential)
	case errors.Is(err, auth.ErrInvalidCredentials):
		return newError("invalid email or password", goerrors.CategoryAuth, http.StatusUnauthorized, CodeInvalidCredentials)
	case errors.Is(err, auth.ErrInvalidSession):
		return newError("invalid or expired session", goerrors.CategoryAuth, http.StatusUnauthorized, CodeInvalidSession)
	case errors.Is(err, auth.ErrInvalidToken):
		return newError("invalid or expired access token", goerrors.CategoryAuth, http.StatusUnauthorized, CodeInvalidToken)
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, "internal failure").
		WithCode(http.StatusInternalServerError).
		WithTextCode(CodeInternal)
}

// Validation builds a VALIDATION_ERROR for malformed transport input.
func Validation(message string) *goerrors.Error {
	return newError(message, goerrors.CategoryValidation, http.StatusBadRequest, CodeValidation)
}

// RateLimited is returned when a client exceeds its request budget.
func RateLimited() *goerrors.Error {
	return newError("rate limit exceeded", goerrors.CategoryRateLimit, http.StatusTooManyRequests, CodeRateLimited)
}

func RouteNotFound() *goerrors.Error {
	return newError("endpoint not found", goerrors.CategoryNotFound, http.StatusNotFound, CodeRouteNotFound)
}

func MethodNotAllowed() *goerrors.Error {
	return newError("method not allowed", goerrors.CategoryBadInput, http.StatusMethodNotAllowed, CodeMethodNotAllowed)
}

// Retryable reports whether a caller may retry the failed operation.
// Only internal failures qualify.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return From(err).TextCode == CodeInternal
}

func newError(message string, category goerrors.Category, code int, textCode string) *goerrors.Error {
	return goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
}
