// Package accounts registers owners and signs them in. It is the only
// place account records are created.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/ids"
	"creditscribe.org/internal/ledger"
)

const (
	DefaultSignupCredits = 100
	welcomeDescription   = "Welcome credits"
)

var ErrInvalidInput = errors.New("accounts: invalid input")

// Registration is the input to Register.
type Registration struct {
	Email    string
	Password string
	Name     string
}

// Session pairs a signed owner session with the account it belongs to.
type Session struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Account   ledger.Account `json:"user"`
}

// Directory manages owner accounts.
type Directory struct {
	store         ledger.Store
	sessions      *auth.Sessions
	signupCredits int64
	now           func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithSignupCredits sets the balance new accounts open with. Zero opens
// accounts empty with no history.
func WithSignupCredits(n int64) Option {
	return func(d *Directory) {
		if n >= 0 {
			d.signupCredits = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDirectory(store ledger.Store, sessions *auth.Sessions, opts ...Option) *Directory {
	d := &Directory{
		store:         store,
		sessions:      sessions,
		signupCredits: DefaultSignupCredits,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register creates an active account and signs the owner in. Signup
// credits are recorded as an opening Added entry.
func (d *Directory) Register(ctx context.Context, reg Registration) (Session, error) {
	email := strings.ToLower(strings.TrimSpace(reg.Email))
	name := strings.TrimSpace(reg.Name)
	switch {
	case email == "" || reg.Password == "" || name == "":
		return Session{}, fmt.Errorf("%w: email, password and name are required", ErrInvalidInput)
	case len(reg.Password) < auth.MinPasswordLength:
		return Session{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, auth.MinPasswordLength)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Session{}, fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}

	hash, err := auth.HashPassword(reg.Password)
	if err != nil {
		return Session{}, err
	}
	now := d.now()
	acct := ledger.Account{
		ID:           ids.NewAt(now),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Balance:      d.signupCredits,
		Active:       true,
		CreatedAt:    now,
		LastLoginAt:  &now,
	}
	var opening *ledger.Entry
	if d.signupCredits > 0 {
		opening = &ledger.Entry{
			ID:          ids.NewAt(now),
			Kind:        ledger.KindAdded,
			Amount:      d.signupCredits,
			Description: welcomeDescription,
			CreatedAt:   now,
		}
	}
	created, err := d.store.CreateAccount(ctx, acct, opening)
	if err != nil {
		return Session{}, err
	}
	return d.session(created)
}

// Login verifies the password and signs the owner in.
func (d *Directory) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Session{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	acct, err := d.store.AccountByEmail(ctx, email)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return Session{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := auth.VerifyPassword(acct.PasswordHash, password); err != nil {
		return Session{}, auth.ErrInvalidCredentials
	}
	if !acct.Active {
		return Session{}, ledger.ErrAccountInactive
	}
	now := d.now()
	if err := d.store.TouchLogin(ctx, acct.ID, now); err != nil {
		return Session{}, err
	}
	acct.LastLoginAt = &now
	return d.session(acct)
}

// Profile returns the account without credential material.
func (d *Directory) Profile(ctx context.Context, accountID string) (ledger.Account, error) {
	acct, err := d.store.Account(ctx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}
	acct.PasswordHash = ""
	return acct, nil
}

// SetActive enables or disables an account. Disabled accounts keep their
// sessions valid but every ledger and token operation rejects them.
func (d *Directory) SetActive(ctx context.Context, accountID string, active bool) error {
	return d.store.SetActive(ctx, accountID, active)
}

func (d *Directory) session(acct ledger.Account) (Session, error) {
	token, expires, err := d.sessions.Issue(acct.ID, acct.Email)
	if err != nil {
		return Session{}, err
	}
	acct.PasswordHash = ""
	return Session{Token: token, ExpiresAt: expires, Account: acct}, nil
}
