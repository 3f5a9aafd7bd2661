package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"creditscribe.org/internal/ids"
)

// EntryKind tags a ledger entry with the direction of the balance change.
type EntryKind string

const (
	KindAdded    EntryKind = "added"
	KindUsed     EntryKind = "used"
	KindRefunded EntryKind = "refunded"
)

// Valid reports whether k is one of the known kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case KindAdded, KindUsed, KindRefunded:
		return true
	}
	return false
}

// Sign returns +1 for credits and -1 for debits.
func (k EntryKind) Sign() int64 {
	if k == KindUsed {
		return -1
	}
	return 1
}

// Account is the owner record. Balance is maintained by the store alongside
// the entry history and is never written directly by callers.
type Account struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	Balance      int64      `json:"credits"`
	Active       bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// Entry is an immutable record of one balance change. Amount is always
// positive; the sign comes from Kind.
//
// Seq is the entry's position in the account history, starting at 1, and is
// assigned by the store in the same atomic step that changes the balance.
// CreatedAt never precedes the previous entry's, so ordering by
// (CreatedAt, Seq) replays history in commit order.
type Entry struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	Kind        EntryKind `json:"type"`
	Amount      int64     `json:"amount"`
	Feature     string    `json:"feature,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"date"`
}

// Signed returns the amount with the sign implied by Kind.
func (e Entry) Signed() int64 { return e.Kind.Sign() * e.Amount }

// Follow positions e directly after an entry with sequence prevSeq stamped
// at prevAt.
func (e Entry) Follow(prevSeq int64, prevAt time.Time) Entry {
	e.Seq = prevSeq + 1
	if e.CreatedAt.Before(prevAt) {
		e.CreatedAt = prevAt
	}
	return e
}

// CreditLimit is the largest balance that can still absorb a credit of
// amount without overflowing.
func CreditLimit(amount int64) int64 { return math.MaxInt64 - amount }

// AccessToken is a delegated credential. Only a hash of the secret is kept.
type AccessToken struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"-"`
	SecretHash string    `json:"-"`
	Prefix     string    `json:"prefix"`
	ExpiresAt  time.Time `json:"expires_at"`
	Active     bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Usable reports whether the token can authenticate a request at now.
func (t AccessToken) Usable(now time.Time) bool {
	return t.Active && now.Before(t.ExpiresAt)
}

// Sum folds entries into the balance they imply.
func Sum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Signed()
	}
	return total
}

// ParseAmount accepts the loosely typed amount values clients send (JSON
// numbers, numeric strings) and returns a positive integer or ErrInvalidAmount.
func ParseAmount(v any) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 || x < math.MinInt64 {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidAmount, x)
		}
		n = int64(x)
	case json.Number:
		parsed, err := strconv.ParseInt(x.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, x.String())
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, x)
		}
		n = parsed
	case nil:
		return 0, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, v)
	}
	if n <= 0 {
		return 0, ErrInvalidAmount
	}
	return n, nil
}

func newEntry(kind EntryKind, amount int64, feature, description string, at time.Time) Entry {
	return Entry{
		ID:          ids.NewAt(at),
		Kind:        kind,
		Amount:      amount,
		Feature:     feature,
		Description: description,
		CreatedAt:   at,
	}
}
