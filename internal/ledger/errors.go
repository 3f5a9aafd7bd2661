package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountInactive     = errors.New("ledger: account is inactive")
	ErrAccountExists       = errors.New("ledger: account already exists")
	ErrInvalidAmount       = errors.New("ledger: amount must be a positive integer")
	ErrInvalidEntry        = errors.New("ledger: invalid entry")
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrTokenNotFound       = errors.New("ledger: access token not found")

	// ErrBalanceOverflow rejects credits the balance cannot represent. It
	// matches ErrInvalidAmount.
	ErrBalanceOverflow = fmt.Errorf("%w: credit would exceed the maximum balance", ErrInvalidAmount)
)

// InsufficientCreditsError carries the balance observed at the time the
// spend was rejected. It matches ErrInsufficientCredits under errors.Is.
type InsufficientCreditsError struct {
	Current  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits (current %d, required %d)", e.Current, e.Required)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Rejection explains why a conditional apply of e matched no account, given
// the balance and active flag read afterwards. It returns nil when that state
// would accept e, meaning a concurrent change raced the update and the apply
// should be retried.
func Rejection(e Entry, balance int64, active bool) error {
	switch {
	case !active:
		return ErrAccountInactive
	case e.Kind == KindUsed && balance < e.Amount:
		return &InsufficientCreditsError{Current: balance, Required: e.Amount}
	case e.Kind != KindUsed && balance > CreditLimit(e.Amount):
		return ErrBalanceOverflow
	}
	return nil
}
