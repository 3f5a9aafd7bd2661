package ledger

import (
	"context"
	"time"
)

// Store persists account records: the balance, its entry history and the
// delegated token set. Implementations must make Apply atomic per account.
type Store interface {
	// CreateAccount inserts a new account. When opening is non-nil it is
	// recorded as the first entry (Seq 1) and the account balance must equal
	// its signed amount.
	CreateAccount(ctx context.Context, acct Account, opening *Entry) (Account, error)
	Account(ctx context.Context, id string) (Account, error)
	AccountByEmail(ctx context.Context, email string) (Account, error)
	SetActive(ctx context.Context, id string, active bool) error
	TouchLogin(ctx context.Context, id string, at time.Time) error

	// Apply changes the balance by e.Signed() and appends e in one atomic
	// step, returning the entry as stored and the new balance. Within that
	// step the entry is given the next Seq and its CreatedAt is raised to the
	// previous entry's if it would otherwise precede it.
	// A KindUsed entry is rejected with *InsufficientCreditsError, leaving
	// state untouched, when the balance is below e.Amount. A credit that
	// would overflow the balance is rejected with ErrBalanceOverflow.
	Apply(ctx context.Context, accountID string, e Entry) (Entry, int64, error)
	// Entries returns the history newest first, in reverse commit order.
	Entries(ctx context.Context, accountID string) ([]Entry, error)

	AddToken(ctx context.Context, tok AccessToken) error
	// Tokens returns every token ever issued for the account, oldest first.
	Tokens(ctx context.Context, accountID string) ([]AccessToken, error)
	DeactivateToken(ctx context.Context, accountID, tokenID string) error
	// ResolveToken returns the owner of the token whose secret hashes to
	// secretHash, provided it is active and unexpired at now.
	ResolveToken(ctx context.Context, secretHash string, now time.Time) (string, error)

	Ping(ctx context.Context) error
	Close() error
}
