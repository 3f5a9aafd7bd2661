// Package access manages delegated access tokens: opaque bearer secrets an
// owner hands to embedded clients so they can read and spend credits.
package access

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"time"

	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/ids"
	"creditscribe.org/internal/ledger"
	"creditscribe.org/internal/obs"
)

const (
	DefaultTTL   = 30 * 24 * time.Hour
	SecretPrefix = "ext_"

	secretBytes   = 24
	displayPrefix = len(SecretPrefix) + 8
)

// Token is a listed access token. Expired is informational: listings
// show every token that has not been revoked, usable or not.
type Token struct {
	ledger.AccessToken
	Expired bool `json:"expired"`
}

// Issued is returned once from Issue and is the only place the secret
// ever appears.
type Issued struct {
	ledger.AccessToken
	Secret string `json:"token"`
}

// Registry issues, lists, revokes and resolves delegated tokens.
type Registry struct {
	store  ledger.Store
	now    func() time.Time
	ttl    time.Duration
	random io.Reader
}

// Option configures a Registry.
type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRandom replaces the entropy source for secrets.
func WithRandom(src io.Reader) Option {
	return func(r *Registry) {
		if src != nil {
			r.random = src
		}
	}
}

func NewRegistry(store ledger.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		ttl:    DefaultTTL,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue creates a fresh token for the account.
func (r *Registry) Issue(ctx context.Context, accountID string) (Issued, error) {
	if _, err := r.activeAccount(ctx, accountID); err != nil {
		return Issued{}, err
	}
	secret, err := r.newSecret()
	if err != nil {
		return Issued{}, err
	}
	now := r.now()
	tok := ledger.AccessToken{
		ID:         ids.NewAt(now),
		AccountID:  accountID,
		SecretHash: HashSecret(secret),
		Prefix:     secret[:displayPrefix],
		ExpiresAt:  now.Add(r.ttl),
		Active:     true,
		CreatedAt:  now,
	}
	if err := r.store.AddToken(ctx, tok); err != nil {
		return Issued{}, err
	}
	obs.RecordTokenEvent("issued")
	return Issued{AccessToken: tok, Secret: secret}, nil
}

// ListActive returns tokens that have not been revoked, including ones
// already past expiry.
func (r *Registry) ListActive(ctx context.Context, accountID string) ([]Token, error) {
	if _, err := r.activeAccount(ctx, accountID); err != nil {
		return nil, err
	}
	all, err := r.store.Tokens(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]Token, 0, len(all))
	for _, tok := range all {
		if !tok.Active {
			continue
		}
		out = append(out, Token{AccessToken: tok, Expired: !now.Before(tok.ExpiresAt)})
	}
	return out, nil
}

// Revoke deactivates the token. Revoking twice is not an error.
func (r *Registry) Revoke(ctx context.Context, accountID, tokenID string) error {
	if _, err := r.activeAccount(ctx, accountID); err != nil {
		return err
	}
	if strings.TrimSpace(tokenID) == "" {
		return ledger.ErrTokenNotFound
	}
	if err := r.store.DeactivateToken(ctx, accountID, tokenID); err != nil {
		return err
	}
	obs.RecordTokenEvent("revoked")
	return nil
}

// Resolve maps a presented secret to its owning account. Unknown, revoked
// and expired secrets all yield auth.ErrInvalidToken.
func (r *Registry) Resolve(ctx context.Context, secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if !strings.HasPrefix(secret, SecretPrefix) {
		obs.RecordTokenEvent("rejected")
		return "", auth.ErrInvalidToken
	}
	accountID, err := r.store.ResolveToken(ctx, HashSecret(secret), r.now())
	if errors.Is(err, ledger.ErrTokenNotFound) {
		obs.RecordTokenEvent("rejected")
		return "", auth.ErrInvalidToken
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}

func (r *Registry) activeAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	acct, err := r.store.Account(ctx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}
	if !acct.Active {
		return ledger.Account{}, ledger.ErrAccountInactive
	}
	return acct, nil
}

func (r *Registry) newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(r.random, buf); err != nil {
		return "", err
	}
	return SecretPrefix + hex.EncodeToString(buf), nil
}

// HashSecret is the lookup key stored in place of the secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
