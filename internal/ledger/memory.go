package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type record struct {
	mu      sync.Mutex
	acct    Account
	entries []Entry
	tokens  []AccessToken
}

// InMemory is a process-local Store. Each account record has its own mutex,
// so mutations on one account serialise while different accounts never
// contend beyond the short index lookup.
type InMemory struct {
	mu       sync.RWMutex
	records  map[string]*record
	byEmail  map[string]string
	bySecret map[string]string // secret hash -> account id
}

func NewInMemory() *InMemory {
	return &InMemory{
		records:  make(map[string]*record),
		byEmail:  make(map[string]string),
		bySecret: make(map[string]string),
	}
}

var _ Store = (*InMemory)(nil)

func (m *InMemory) lookup(id string) (*record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return rec, nil
}

func (m *InMemory) CreateAccount(_ context.Context, acct Account, opening *Entry) (Account, error) {
	if acct.ID == "" {
		return Account{}, ErrInvalidEntry
	}
	email := strings.ToLower(strings.TrimSpace(acct.Email))
	rec := &record{acct: acct}
	rec.acct.Email = email
	if opening != nil {
		if !opening.Kind.Valid() || opening.Amount <= 0 || opening.Signed() != acct.Balance {
			return Account{}, ErrInvalidEntry
		}
		first := *opening
		first.Seq = 1
		rec.entries = append(rec.entries, first)
	} else if acct.Balance != 0 {
		return Account{}, ErrInvalidEntry
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[acct.ID]; ok {
		return Account{}, ErrAccountExists
	}
	if email != "" {
		if _, ok := m.byEmail[email]; ok {
			return Account{}, ErrAccountExists
		}
		m.byEmail[email] = acct.ID
	}
	m.records[acct.ID] = rec
	return rec.acct, nil
}

func (m *InMemory) Account(_ context.Context, id string) (Account, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return Account{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.acct, nil
}

func (m *InMemory) AccountByEmail(ctx context.Context, email string) (Account, error) {
	m.mu.RLock()
	id, ok := m.byEmail[strings.ToLower(strings.TrimSpace(email))]
	m.mu.RUnlock()
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return m.Account(ctx, id)
}

func (m *InMemory) SetActive(_ context.Context, id string, active bool) error {
	rec, err := m.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.acct.Active = active
	rec.mu.Unlock()
	return nil
}

func (m *InMemory) TouchLogin(_ context.Context, id string, at time.Time) error {
	rec, err := m.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.acct.LastLoginAt = &at
	rec.mu.Unlock()
	return nil
}

func (m *InMemory) Apply(_ context.Context, accountID string, e Entry) (Entry, int64, error) {
	if !e.Kind.Valid() || e.Amount <= 0 {
		return Entry{}, 0, ErrInvalidEntry
	}
	rec, err := m.lookup(accountID)
	if err != nil {
		return Entry{}, 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.acct.Active {
		return Entry{}, 0, ErrAccountInactive
	}
	if e.Kind == KindUsed {
		if rec.acct.Balance < e.Amount {
			return Entry{}, 0, &InsufficientCreditsError{Current: rec.acct.Balance, Required: e.Amount}
		}
	} else if rec.acct.Balance > CreditLimit(e.Amount) {
		return Entry{}, 0, ErrBalanceOverflow
	}
	if n := len(rec.entries); n > 0 {
		e = e.Follow(rec.entries[n-1].Seq, rec.entries[n-1].CreatedAt)
	} else {
		e = e.Follow(0, time.Time{})
	}
	rec.acct.Balance += e.Signed()
	rec.entries = append(rec.entries, e)
	return e, rec.acct.Balance, nil
}

func (m *InMemory) Entries(_ context.Context, accountID string) ([]Entry, error) {
	rec, err := m.lookup(accountID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	out := make([]Entry, len(rec.entries))
	for i, e := range rec.entries {
		out[len(out)-1-i] = e
	}
	rec.mu.Unlock()
	SortNewestFirst(out)
	return out, nil
}

func (m *InMemory) AddToken(_ context.Context, tok AccessToken) error {
	if tok.ID == "" || tok.SecretHash == "" {
		return ErrInvalidEntry
	}
	rec, err := m.lookup(tok.AccountID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, dup := m.bySecret[tok.SecretHash]; dup {
		m.mu.Unlock()
		return ErrInvalidEntry
	}
	m.bySecret[tok.SecretHash] = tok.AccountID
	m.mu.Unlock()

	rec.mu.Lock()
	rec.tokens = append(rec.tokens, tok)
	rec.mu.Unlock()
	return nil
}

func (m *InMemory) Tokens(_ context.Context, accountID string) ([]AccessToken, error) {
	rec, err := m.lookup(accountID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]AccessToken, len(rec.tokens))
	copy(out, rec.tokens)
	return out, nil
}

func (m *InMemory) DeactivateToken(_ context.Context, accountID, tokenID string) error {
	rec, err := m.lookup(accountID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := range rec.tokens {
		if rec.tokens[i].ID == tokenID {
			rec.tokens[i].Active = false
			return nil
		}
	}
	return ErrTokenNotFound
}

func (m *InMemory) ResolveToken(_ context.Context, secretHash string, now time.Time) (string, error) {
	m.mu.RLock()
	accountID, ok := m.bySecret[secretHash]
	rec := m.records[accountID]
	m.mu.RUnlock()
	if !ok || rec == nil {
		return "", ErrTokenNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, tok := range rec.tokens {
		if tok.SecretHash == secretHash && tok.Usable(now) {
			return accountID, nil
		}
	}
	return "", ErrTokenNotFound
}

func (m *InMemory) Ping(context.Context) error { return nil }

func (m *InMemory) Close() error { return nil }

// SortNewestFirst orders entries by creation time descending, breaking ties
// on Seq and then the identifier so that repeated reads are stable.
func SortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq > b.Seq
		}
		return a.ID > b.ID
	})
}
