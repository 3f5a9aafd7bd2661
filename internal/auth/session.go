package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer     = "creditscribe"
	DefaultSessionTTL = 30 * 24 * time.Hour
)

// Claims is the payload of an owner session.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies stateless owner sessions (HS256 JWTs). A
// verified session is trusted as-is: account state is not re-read.
type Sessions struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions) error

func WithIssuer(issuer string) SessionOption {
	return func(s *Sessions) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("issuer cannot be empty")
		}
		s.issuer = issuer
		return nil
	}
}

func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *Sessions) error {
		if ttl <= 0 {
			return errors.New("session ttl must be positive")
		}
		s.ttl = ttl
		return nil
	}
}

func WithClock(now func() time.Time) SessionOption {
	return func(s *Sessions) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		s.now = now
		return nil
	}
}

func NewSessions(secret string, opts ...SessionOption) (*Sessions, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("session secret is not configured")
	}
	s := &Sessions{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		ttl:    DefaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issue signs a session for accountID.
func (s *Sessions) Issue(accountID, email string) (string, time.Time, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", time.Time{}, errors.New("account id is required")
	}
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature and expiry and returns the embedded claims.
func (s *Sessions) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingCredential
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidSession
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidSession
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}
