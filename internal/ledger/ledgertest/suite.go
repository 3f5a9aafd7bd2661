// Package ledgertest holds behavioural checks shared by every ledger.Store
// implementation.
package ledgertest

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"creditscribe.org/internal/ids"
	"creditscribe.org/internal/ledger"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ledger.Store

// NewAccount creates an active account funded with an opening Added entry.
func NewAccount(t *testing.T, s ledger.Store, opening int64) ledger.Account {
	t.Helper()
	now := time.Now().UTC()
	id := ids.NewAt(now)
	acct := ledger.Account{
		ID:           id,
		Email:        id + "@example.test",
		Name:         "Test " + id,
		PasswordHash: "x",
		Balance:      opening,
		Active:       true,
		CreatedAt:    now,
	}
	var first *ledger.Entry
	if opening > 0 {
		first = &ledger.Entry{ID: ids.NewAt(now), Kind: ledger.KindAdded, Amount: opening, Description: "Welcome credits", CreatedAt: now}
	}
	created, err := s.CreateAccount(context.Background(), acct, first)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return created
}

func entry(kind ledger.EntryKind, amount int64) ledger.Entry {
	now := time.Now().UTC()
	return ledger.Entry{ID: ids.NewAt(now), Kind: kind, Amount: amount, CreatedAt: now}
}

// Run exercises the Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndLookup", func(t *testing.T) { testCreateAndLookup(t, newStore(t)) })
	t.Run("ApplyKeepsHistoryInSync", func(t *testing.T) { testApply(t, newStore(t)) })
	t.Run("InsufficientLeavesStateUntouched", func(t *testing.T) { testInsufficient(t, newStore(t)) })
	t.Run("InactiveRejectsApply", func(t *testing.T) { testInactive(t, newStore(t)) })
	t.Run("ConcurrentSpends", func(t *testing.T) { testConcurrentSpends(t, newStore(t)) })
	t.Run("CreditOverflowRejected", func(t *testing.T) { testCreditOverflow(t, newStore(t)) })
	t.Run("LateStampFollowsCommitOrder", func(t *testing.T) { testLateStamp(t, newStore(t)) })
	t.Run("ConcurrentHistoryReplays", func(t *testing.T) { testConcurrentReplay(t, newStore(t)) })
	t.Run("TokenLifecycle", func(t *testing.T) { testTokens(t, newStore(t)) })
}

func testCreateAndLookup(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 100)

	got, err := s.Account(ctx, acct.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if got.Balance != 100 || !got.Active {
		t.Fatalf("unexpected account: %+v", got)
	}
	byEmail, err := s.AccountByEmail(ctx, acct.Email)
	if err != nil || byEmail.ID != acct.ID {
		t.Fatalf("by email: %+v, %v", byEmail, err)
	}
	if _, err := s.Account(ctx, "missing"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	dup := acct
	dup.ID = ids.New()
	dup.Balance = 0
	if _, err := s.CreateAccount(ctx, dup, nil); !errors.Is(err, ledger.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists for duplicate email, got %v", err)
	}
	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.TouchLogin(ctx, acct.ID, at); err != nil {
		t.Fatalf("touch login: %v", err)
	}
	got, _ = s.Account(ctx, acct.ID)
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(at) {
		t.Fatalf("last login not recorded: %v", got.LastLoginAt)
	}
}

func testApply(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 100)

	steps := []ledger.Entry{
		entry(ledger.KindUsed, 30),
		entry(ledger.KindAdded, 50),
		entry(ledger.KindRefunded, 5),
	}
	want := []int64{70, 120, 125}
	for i, e := range steps {
		stored, bal, err := s.Apply(ctx, acct.ID, e)
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if bal != want[i] {
			t.Fatalf("apply %d: balance=%d, want %d", i, bal, want[i])
		}
		if stored.ID != e.ID || stored.Seq != int64(i+2) {
			t.Fatalf("apply %d: stored entry %+v, want seq %d", i, stored, i+2)
		}
	}

	entries, err := s.Entries(ctx, acct.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if entries[0].Kind != ledger.KindRefunded || entries[1].Kind != ledger.KindAdded || entries[2].Kind != ledger.KindUsed {
		t.Fatalf("unexpected order: %+v", entries)
	}
	got, _ := s.Account(ctx, acct.ID)
	if sum := ledger.Sum(entries); sum != got.Balance {
		t.Fatalf("history sums to %d, balance is %d", sum, got.Balance)
	}
}

func testInsufficient(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 70)

	_, _, err := s.Apply(ctx, acct.ID, entry(ledger.KindUsed, 80))
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Current != 70 || insufficient.Required != 80 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}
	got, _ := s.Account(ctx, acct.ID)
	entries, _ := s.Entries(ctx, acct.ID)
	if got.Balance != 70 || len(entries) != 1 {
		t.Fatalf("state changed: balance=%d entries=%d", got.Balance, len(entries))
	}
	if _, _, err := s.Apply(ctx, "missing", entry(ledger.KindAdded, 1)); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func testInactive(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 10)
	if err := s.SetActive(ctx, acct.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, _, err := s.Apply(ctx, acct.ID, entry(ledger.KindAdded, 5)); !errors.Is(err, ledger.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
	got, _ := s.Account(ctx, acct.ID)
	if got.Balance != 10 || got.Active {
		t.Fatalf("unexpected account after rejected apply: %+v", got)
	}
}

func testConcurrentSpends(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const (
		balance = 100
		amount  = 30
		workers = 12
	)
	acct := NewAccount(t, s, balance)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		failures  atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Apply(ctx, acct.ID, entry(ledger.KindUsed, amount))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ledger.ErrInsufficientCredits):
			default:
				failures.Add(1)
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != balance/amount {
		t.Fatalf("expected %d successful spends, got %d", balance/amount, got)
	}
	got, _ := s.Account(ctx, acct.ID)
	if got.Balance != balance-(balance/amount)*amount {
		t.Fatalf("unexpected final balance %d", got.Balance)
	}
	entries, _ := s.Entries(ctx, acct.ID)
	if sum := ledger.Sum(entries); sum != got.Balance {
		t.Fatalf("history sums to %d, balance is %d", sum, got.Balance)
	}
}

func testTokens(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 0)
	now := time.Now().UTC()

	live := ledger.AccessToken{ID: ids.New(), AccountID: acct.ID, SecretHash: "hash-live", Prefix: "ext_aaaa",
		ExpiresAt: now.Add(time.Hour), Active: true, CreatedAt: now}
	stale := ledger.AccessToken{ID: ids.New(), AccountID: acct.ID, SecretHash: "hash-stale", Prefix: "ext_bbbb",
		ExpiresAt: now.Add(-time.Minute), Active: true, CreatedAt: now.Add(-time.Hour)}
	for _, tok := range []ledger.AccessToken{live, stale} {
		if err := s.AddToken(ctx, tok); err != nil {
			t.Fatalf("add token: %v", err)
		}
	}

	owner, err := s.ResolveToken(ctx, "hash-live", now)
	if err != nil || owner != acct.ID {
		t.Fatalf("resolve live: %q, %v", owner, err)
	}
	if _, err := s.ResolveToken(ctx, "hash-stale", now); !errors.Is(err, ledger.ErrTokenNotFound) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
	if _, err := s.ResolveToken(ctx, "hash-unknown", now); !errors.Is(err, ledger.ErrTokenNotFound) {
		t.Fatalf("expected unknown token to fail, got %v", err)
	}

	if err := s.DeactivateToken(ctx, acct.ID, live.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := s.DeactivateToken(ctx, acct.ID, live.ID); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if _, err := s.ResolveToken(ctx, "hash-live", now); !errors.Is(err, ledger.ErrTokenNotFound) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
	if err := s.DeactivateToken(ctx, acct.ID, "missing"); !errors.Is(err, ledger.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}

	tokens, err := s.Tokens(ctx, acct.ID)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("revoked tokens must stay enumerable, got %d", len(tokens))
	}
	for _, tok := range tokens {
		if tok.ID == live.ID && tok.Active {
			t.Fatal("revoked token still active")
		}
	}
}

func testCreditOverflow(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 100)

	for _, kind := range []ledger.EntryKind{ledger.KindAdded, ledger.KindRefunded} {
		_, _, err := s.Apply(ctx, acct.ID, entry(kind, math.MaxInt64))
		if !errors.Is(err, ledger.ErrBalanceOverflow) || !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("%s: expected ErrBalanceOverflow, got %v", kind, err)
		}
	}
	got, _ := s.Account(ctx, acct.ID)
	entries, _ := s.Entries(ctx, acct.ID)
	if got.Balance != 100 || len(entries) != 1 {
		t.Fatalf("state changed: balance=%d entries=%d", got.Balance, len(entries))
	}

	// Topping up to exactly the limit is allowed.
	if _, bal, err := s.Apply(ctx, acct.ID, entry(ledger.KindAdded, math.MaxInt64-100)); err != nil || bal != math.MaxInt64 {
		t.Fatalf("fill to limit: %d, %v", bal, err)
	}
	if _, _, err := s.Apply(ctx, acct.ID, entry(ledger.KindAdded, 1)); !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow at the limit, got %v", err)
	}
}

// testLateStamp commits an entry whose timestamp was taken before the
// previous commit. The store must not let it sort ahead of that commit.
func testLateStamp(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 0)
	base := time.Now().UTC().Truncate(time.Millisecond)

	add := entry(ledger.KindAdded, 50)
	add.CreatedAt = base.Add(time.Second)
	if _, _, err := s.Apply(ctx, acct.ID, add); err != nil {
		t.Fatalf("add: %v", err)
	}
	spend := entry(ledger.KindUsed, 50)
	spend.CreatedAt = base
	stored, _, err := s.Apply(ctx, acct.ID, spend)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if stored.CreatedAt.Before(add.CreatedAt) || stored.Seq != 2 {
		t.Fatalf("late entry not placed after its predecessor: %+v", stored)
	}

	entries, err := s.Entries(ctx, acct.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != ledger.KindUsed || entries[1].Kind != ledger.KindAdded {
		t.Fatalf("unexpected order: %+v", entries)
	}
	checkReplay(t, entries)
}

func testConcurrentReplay(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 20)
	base := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := ledger.KindUsed
			if i%3 == 0 {
				kind = ledger.KindAdded
			}
			e := entry(kind, 10)
			// Stamps deliberately disagree with commit order.
			e.CreatedAt = base.Add(time.Duration(24-i) * time.Millisecond)
			if _, _, err := s.Apply(ctx, acct.ID, e); err != nil && !errors.Is(err, ledger.ErrInsufficientCredits) {
				t.Errorf("apply: %v", err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := s.Entries(ctx, acct.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	for i, e := range entries {
		if want := int64(len(entries) - i); e.Seq != want {
			t.Fatalf("entry %d has seq %d, want %d", i, e.Seq, want)
		}
	}
	checkReplay(t, entries)
	got, _ := s.Account(ctx, acct.ID)
	if sum := ledger.Sum(entries); sum != got.Balance {
		t.Fatalf("history sums to %d, balance is %d", sum, got.Balance)
	}
}

// checkReplay folds history in timestamp order and fails if the running
// balance ever dips below zero.
func checkReplay(t *testing.T, newestFirst []ledger.Entry) {
	t.Helper()
	replay := append([]ledger.Entry(nil), newestFirst...)
	sort.SliceStable(replay, func(i, j int) bool {
		if !replay[i].CreatedAt.Equal(replay[j].CreatedAt) {
			return replay[i].CreatedAt.Before(replay[j].CreatedAt)
		}
		return replay[i].Seq < replay[j].Seq
	})
	var running int64
	for _, e := range replay {
		running += e.Signed()
		if running < 0 {
			t.Fatalf("replaying %s %d (seq %d) drives the balance to %d", e.Kind, e.Amount, e.Seq, running)
		}
	}
}
