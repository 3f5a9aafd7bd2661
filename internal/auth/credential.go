package auth

import (
	"context"
	"errors"
	"strings"
)

// Kind distinguishes the two credential mechanisms.
type Kind int

const (
	OwnerSession Kind = iota + 1
	DelegatedAccessToken
)

func (k Kind) String() string {
	switch k {
	case OwnerSession:
		return "owner_session"
	case DelegatedAccessToken:
		return "delegated_access_token"
	}
	return "unknown"
}

// Credential is what an inbound request carries.
type Credential struct {
	Kind  Kind
	Value string
}

// TokenResolver looks a delegated secret up against live token state.
type TokenResolver interface {
	Resolve(ctx context.Context, secret string) (string, error)
}

// Verifier resolves either credential kind to an account identifier.
type Verifier struct {
	sessions *Sessions
	tokens   TokenResolver
}

func NewVerifier(sessions *Sessions, tokens TokenResolver) *Verifier {
	return &Verifier{sessions: sessions, tokens: tokens}
}

// Resolve returns the account the credential speaks for. Failures are
// ErrMissingCredential, ErrInvalidSession or ErrInvalidToken; anything
// else comes from the token store and is an internal fault.
func (v *Verifier) Resolve(ctx context.Context, cred Credential) (string, error) {
	value := strings.TrimSpace(cred.Value)
	if value == "" {
		return "", ErrMissingCredential
	}
	switch cred.Kind {
	case OwnerSession:
		claims, err := v.sessions.Verify(value)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	case DelegatedAccessToken:
		accountID, err := v.tokens.Resolve(ctx, value)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				return "", ErrInvalidToken
			}
			return "", err
		}
		return accountID, nil
	}
	return "", ErrUnsupportedKind
}

const bearerScheme = "Bearer "

// ParseBearer extracts the credential value from an Authorization header.
// Anything other than a non-empty Bearer value is ErrMissingCredential.
func ParseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerScheme) || !strings.EqualFold(header[:len(bearerScheme)], bearerScheme) {
		return "", ErrMissingCredential
	}
	value := strings.TrimSpace(header[len(bearerScheme):])
	if value == "" {
		return "", ErrMissingCredential
	}
	return value, nil
}
