package auth

import "errors"

var (
	ErrMissingCredential  = errors.New("auth: missing credential")
	ErrInvalidSession     = errors.New("auth: invalid or expired session")
	ErrInvalidToken       = errors.New("auth: invalid or expired access token")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrUnsupportedKind    = errors.New("auth: unsupported credential kind")
)
