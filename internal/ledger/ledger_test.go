package ledger_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"creditscribe.org/internal/ledger"
	"creditscribe.org/internal/ledger/ledgertest"
)

func newLedger(t *testing.T, opening int64, opts ...ledger.Option) (*ledger.Ledger, ledger.Store, string) {
	t.Helper()
	store := ledger.NewInMemory()
	acct := ledgertest.NewAccount(t, store, opening)
	return ledger.New(store, opts...), store, acct.ID
}

func TestSpendAddHistoryScenario(t *testing.T) {
	l, _, id := newLedger(t, 100)
	ctx := context.Background()

	bal, err := l.Spend(ctx, id, 30, "x", "")
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if bal != 70 {
		t.Fatalf("balance=%d, want 70", bal)
	}

	_, err = l.Spend(ctx, id, 80, "", "")
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Current != 70 || insufficient.Required != 80 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}
	if bal, _ := l.Balance(ctx, id); bal != 70 {
		t.Fatalf("balance changed after failed spend: %d", bal)
	}

	if bal, err = l.Add(ctx, id, 50, ""); err != nil || bal != 120 {
		t.Fatalf("add: %d, %v", bal, err)
	}

	history, err := l.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) < 2 {
		t.Fatalf("expected at least 2 entries, got %d", len(history))
	}
	if history[0].Kind != ledger.KindAdded || history[0].Amount != 50 {
		t.Fatalf("unexpected newest entry: %+v", history[0])
	}
	if history[1].Kind != ledger.KindUsed || history[1].Amount != 30 || history[1].Feature != "x" {
		t.Fatalf("unexpected second entry: %+v", history[1])
	}
	if history[0].Description != ledger.DefaultAddDescription || history[1].Description != ledger.DefaultUseDescription {
		t.Fatalf("defaults not applied: %+v", history[:2])
	}
	if sum := ledger.Sum(history); sum != 120 {
		t.Fatalf("history sums to %d, want 120", sum)
	}
}

func TestNonPositiveAmountsRejected(t *testing.T) {
	l, _, id := newLedger(t, 10)
	ctx := context.Background()
	for _, amount := range []int64{0, -5} {
		if _, err := l.Spend(ctx, id, amount, "", ""); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("spend(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
		if _, err := l.Add(ctx, id, amount, ""); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("add(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
		if _, err := l.Refund(ctx, id, amount, ""); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("refund(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if bal, _ := l.Balance(ctx, id); bal != 10 {
		t.Fatalf("balance changed: %d", bal)
	}
}

func TestRefundRecordedSeparately(t *testing.T) {
	l, _, id := newLedger(t, 0)
	ctx := context.Background()
	if _, err := l.Refund(ctx, id, 7, "feature failed"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	history, _ := l.History(ctx, id)
	if len(history) != 1 || history[0].Kind != ledger.KindRefunded || history[0].Description != "feature failed" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestUnknownAndInactiveAccounts(t *testing.T) {
	l, store, id := newLedger(t, 10)
	ctx := context.Background()

	if _, err := l.Add(ctx, "nope", 1, ""); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := l.Balance(ctx, "nope"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	if err := store.SetActive(ctx, id, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := l.Spend(ctx, id, 1, "", ""); !errors.Is(err, ledger.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
	if _, err := l.History(ctx, id); !errors.Is(err, ledger.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestHistoryStableAcrossReads(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l, _, id := newLedger(t, 0, ledger.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Add(ctx, id, int64(i+1), ""); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	first, _ := l.History(ctx, id)
	second, _ := l.History(ctx, id)
	if len(first) != len(second) {
		t.Fatalf("length mismatch %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("order differs at %d", i)
		}
		if i > 0 && first[i].CreatedAt.After(first[i-1].CreatedAt) {
			t.Fatalf("entry %d newer than entry %d", i, i-1)
		}
	}
	if first[0].Amount != 5 {
		t.Fatalf("expected most recent add first, got %+v", first[0])
	}
}

func TestConcurrentMixedOperations(t *testing.T) {
	l, _, id := newLedger(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _, _ = l.Spend(ctx, id, 7, "load", "") }()
		go func() { defer wg.Done(); _, _ = l.Add(ctx, id, 3, "") }()
		go func() { defer wg.Done(); _, _ = l.Refund(ctx, id, 1, "") }()
	}
	wg.Wait()

	bal, err := l.Balance(ctx, id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal < 0 {
		t.Fatalf("negative balance %d", bal)
	}
	history, _ := l.History(ctx, id)
	if sum := ledger.Sum(history); sum != bal {
		t.Fatalf("history sums to %d, balance is %d", sum, bal)
	}
}

func TestObserverSeesCommittedChanges(t *testing.T) {
	var seen []ledger.Change
	l, _, id := newLedger(t, 10, ledger.WithObserver(func(c ledger.Change) { seen = append(seen, c) }))
	ctx := context.Background()

	if _, err := l.Spend(ctx, id, 4, "ocr", ""); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, err := l.Spend(ctx, id, 40, "ocr", ""); err == nil {
		t.Fatal("expected failure")
	}
	if len(seen) != 1 {
		t.Fatalf("expected 1 change, got %d", len(seen))
	}
	if seen[0].Balance != 6 || seen[0].Entry.Feature != "ocr" || seen[0].AccountID != id || seen[0].Entry.Seq != 2 {
		t.Fatalf("unexpected change: %+v", seen[0])
	}
}

func TestParseAmount(t *testing.T) {
	good := map[any]int64{
		5:           5,
		int64(12):   12,
		float64(30): 30,
		"42":        42,
		" 7 ":       7,
	}
	for in, want := range good {
		got, err := ledger.ParseAmount(in)
		if err != nil || got != want {
			t.Fatalf("ParseAmount(%v)=%d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []any{nil, 0, -5, 1.5, "abc", "", "-3", true, []int{1}} {
		if _, err := ledger.ParseAmount(in); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("ParseAmount(%v): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestHistoryFollowsCommitOrderWhenStampIsDelayed(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stamped := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	clock := func() time.Time {
		if calls.Add(1) == 1 {
			// The spend takes the earlier stamp, then stalls before commit.
			close(stamped)
			<-release
			return base
		}
		return base.Add(time.Second)
	}
	l, _, id := newLedger(t, 0, ledger.WithClock(clock))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := l.Spend(ctx, id, 50, "x", "")
		done <- err
	}()
	<-stamped
	if _, err := l.Add(ctx, id, 50, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("spend: %v", err)
	}

	history, err := l.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Kind != ledger.KindUsed || history[1].Kind != ledger.KindAdded {
		t.Fatalf("unexpected order: %+v", history)
	}
	var running int64
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		if i < len(history)-1 && e.CreatedAt.Before(history[i+1].CreatedAt) {
			t.Fatalf("entry %s stamped before its predecessor", e.ID)
		}
		running += e.Signed()
		if running < 0 {
			t.Fatalf("replay reaches %d at %s %d", running, e.Kind, e.Amount)
		}
	}
}

func TestAddRejectsBalanceOverflow(t *testing.T) {
	l, _, id := newLedger(t, 100)
	ctx := context.Background()

	if _, err := l.Add(ctx, id, math.MaxInt64, ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("add: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Refund(ctx, id, math.MaxInt64-99, ""); !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Fatalf("refund: expected ErrBalanceOverflow, got %v", err)
	}
	if bal, _ := l.Balance(ctx, id); bal != 100 {
		t.Fatalf("balance changed to %d", bal)
	}
}
