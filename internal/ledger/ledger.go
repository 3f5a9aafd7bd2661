package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"creditscribe.org/internal/obs"
)

const (
	DefaultAddDescription    = "Credits added manually"
	DefaultUseDescription    = "Credits used"
	DefaultRefundDescription = "Credits refunded"
	DefaultFeature           = "unknown"
)

// Change is reported to observers after a mutation commits. Observers may
// see concurrent changes to one account out of order; Entry.Seq restores it.
type Change struct {
	AccountID string
	Entry     Entry
	Balance   int64
}

// Ledger is the only component allowed to mutate balances. Every mutation
// goes through Store.Apply, which pairs the balance change with its entry.
type Ledger struct {
	store     Store
	now       func() time.Time
	observers []func(Change)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithObserver registers fn to be called with every committed change.
func WithObserver(fn func(Change)) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.observers = append(l.observers, fn)
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add credits the account.
func (l *Ledger) Add(ctx context.Context, accountID string, amount int64, description string) (int64, error) {
	return l.apply(ctx, "add", accountID, KindAdded, amount, "", orDefault(description, DefaultAddDescription))
}

// Spend debits the account if, and only if, the balance covers amount.
// On shortfall it returns *InsufficientCreditsError and changes nothing.
func (l *Ledger) Spend(ctx context.Context, accountID string, amount int64, feature, description string) (int64, error) {
	return l.apply(ctx, "spend", accountID, KindUsed, amount,
		orDefault(feature, DefaultFeature), orDefault(description, DefaultUseDescription))
}

// Refund credits the account, recorded separately from Add for audit.
func (l *Ledger) Refund(ctx context.Context, accountID string, amount int64, description string) (int64, error) {
	return l.apply(ctx, "refund", accountID, KindRefunded, amount, "", orDefault(description, DefaultRefundDescription))
}

// History returns the account's entries, newest first.
func (l *Ledger) History(ctx context.Context, accountID string) ([]Entry, error) {
	if _, err := l.activeAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.Entries(ctx, accountID)
}

// Balance returns the current balance snapshot.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.activeAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (l *Ledger) apply(ctx context.Context, op, accountID string, kind EntryKind, amount int64, feature, description string) (int64, error) {
	if amount <= 0 {
		obs.RecordLedgerOp(op, "invalid")
		return 0, ErrInvalidAmount
	}
	if strings.TrimSpace(accountID) == "" {
		obs.RecordLedgerOp(op, "not_found")
		return 0, ErrAccountNotFound
	}
	e, balance, err := l.store.Apply(ctx, accountID, newEntry(kind, amount, feature, description, l.now()))
	if err != nil {
		obs.RecordLedgerOp(op, outcome(err))
		return 0, err
	}
	obs.RecordLedgerOp(op, "ok")
	obs.RecordLedgerAmount(string(kind), amount)
	for _, fn := range l.observers {
		fn(Change{AccountID: accountID, Entry: e, Balance: balance})
	}
	return balance, nil
}

func (l *Ledger) activeAccount(ctx context.Context, accountID string) (Account, error) {
	acct, err := l.store.Account(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if !acct.Active {
		return Account{}, ErrAccountInactive
	}
	return acct, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrAccountInactive):
		return "inactive"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid"
	default:
		return "error"
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
