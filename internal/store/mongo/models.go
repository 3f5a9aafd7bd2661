package mongo

import (
	"time"

	"creditscribe.org/internal/ledger"
)

// accountDoc is one account with its history and tokens embedded, so a
// single-document update keeps balance and history in step.
type accountDoc struct {
	ID           string     `bson:"_id"`
	Email        string     `bson:"email"`
	Name         string     `bson:"name"`
	PasswordHash string     `bson:"password_hash"`
	Balance      int64      `bson:"balance"`
	Active       bool       `bson:"active"`
	CreatedAt    time.Time  `bson:"created_at"`
	LastLoginAt  *time.Time `bson:"last_login_at,omitempty"`
	EntrySeq     int64      `bson:"entry_seq"`
	LastEntryAt  *time.Time `bson:"last_entry_at,omitempty"`
	Entries      []entryDoc `bson:"entries"`
	Tokens       []tokenDoc `bson:"tokens"`
}

type entryDoc struct {
	ID          string    `bson:"id"`
	Seq         int64     `bson:"seq"`
	Kind        string    `bson:"kind"`
	Amount      int64     `bson:"amount"`
	Feature     string    `bson:"feature,omitempty"`
	Description string    `bson:"description,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
}

type tokenDoc struct {
	ID         string    `bson:"id"`
	SecretHash string    `bson:"secret_hash"`
	Prefix     string    `bson:"prefix"`
	ExpiresAt  time.Time `bson:"expires_at"`
	Active     bool      `bson:"active"`
	CreatedAt  time.Time `bson:"created_at"`
}

func toAccountDoc(a ledger.Account) accountDoc {
	return accountDoc{
		ID:           a.ID,
		Email:        a.Email,
		Name:         a.Name,
		PasswordHash: a.PasswordHash,
		Balance:      a.Balance,
		Active:       a.Active,
		CreatedAt:    a.CreatedAt.UTC(),
		LastLoginAt:  a.LastLoginAt,
		Entries:      []entryDoc{},
		Tokens:       []tokenDoc{},
	}
}

func (d accountDoc) account() ledger.Account {
	a := ledger.Account{
		ID:           d.ID,
		Email:        d.Email,
		Name:         d.Name,
		PasswordHash: d.PasswordHash,
		Balance:      d.Balance,
		Active:       d.Active,
		CreatedAt:    d.CreatedAt.UTC(),
	}
	if d.LastLoginAt != nil {
		t := d.LastLoginAt.UTC()
		a.LastLoginAt = &t
	}
	return a
}

func toEntryDoc(e ledger.Entry) entryDoc {
	return entryDoc{
		ID:          e.ID,
		Seq:         e.Seq,
		Kind:        string(e.Kind),
		Amount:      e.Amount,
		Feature:     e.Feature,
		Description: e.Description,
		CreatedAt:   e.CreatedAt.UTC(),
	}
}

func (d entryDoc) entry() ledger.Entry {
	return ledger.Entry{
		ID:          d.ID,
		Seq:         d.Seq,
		Kind:        ledger.EntryKind(d.Kind),
		Amount:      d.Amount,
		Feature:     d.Feature,
		Description: d.Description,
		CreatedAt:   d.CreatedAt.UTC(),
	}
}

func toTokenDoc(t ledger.AccessToken) tokenDoc {
	return tokenDoc{
		ID:         t.ID,
		SecretHash: t.SecretHash,
		Prefix:     t.Prefix,
		ExpiresAt:  t.ExpiresAt.UTC(),
		Active:     t.Active,
		CreatedAt:  t.CreatedAt.UTC(),
	}
}

func (d tokenDoc) token(accountID string) ledger.AccessToken {
	return ledger.AccessToken{
		ID:         d.ID,
		AccountID:  accountID,
		SecretHash: d.SecretHash,
		Prefix:     d.Prefix,
		ExpiresAt:  d.ExpiresAt.UTC(),
		Active:     d.Active,
		CreatedAt:  d.CreatedAt.UTC(),
	}
}
