package pg

import (
	"context"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"creditscribe.org/internal/ledger"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func usedEntry(amount int64) ledger.Entry {
	return ledger.Entry{ID: "01ENTRY", Kind: ledger.KindUsed, Amount: amount, Feature: "x", Description: "Credits used", CreatedAt: time.Now().UTC()}
}

var (
	debitSQL  = regexp.QuoteMeta(debitQuery)
	creditSQL = regexp.QuoteMeta(creditQuery)
	lockSQL   = regexp.QuoteMeta(`select balance, active from accounts where id = $1 for update`)
	entrySQL  = regexp.QuoteMeta(`insert into ledger_entries(id, account_id, seq, kind, amount, feature, description, created_at)`)
	stampCols = []string{"balance", "entry_seq", "last_entry_at"}
)

func TestApplySpendCommitsDebitAndEntry(t *testing.T) {
	s, mock := newMock(t)
	e := usedEntry(30)

	mock.ExpectBegin()
	mock.ExpectQuery(debitSQL).WithArgs("acct-1", int64(30), e.CreatedAt).
		WillReturnRows(sqlmock.NewRows(stampCols).AddRow(int64(70), int64(4), e.CreatedAt))
	mock.ExpectExec(entrySQL).
		WithArgs(e.ID, "acct-1", int64(4), "used", int64(30), "x", "Credits used", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, bal, err := s.Apply(context.Background(), "acct-1", e)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if bal != 70 || got.Seq != 4 {
		t.Fatalf("balance=%d seq=%d, want 70 and 4", bal, got.Seq)
	}
}

func TestApplyStampsEntryFromAccountFloor(t *testing.T) {
	s, mock := newMock(t)
	e := usedEntry(30)
	later := e.CreatedAt.Add(time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(debitSQL).
		WillReturnRows(sqlmock.NewRows(stampCols).AddRow(int64(70), int64(9), later))
	mock.ExpectExec(entrySQL).
		WithArgs(e.ID, "acct-1", int64(9), "used", int64(30), "x", "Credits used", later).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, _, err := s.Apply(context.Background(), "acct-1", e)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !got.CreatedAt.Equal(later) || got.Seq != 9 {
		t.Fatalf("entry not stamped from the account row: %+v", got)
	}
}

func TestApplyCreditIsBoundedByOverflowLimit(t *testing.T) {
	s, mock := newMock(t)
	e := ledger.Entry{ID: "01ADD", Kind: ledger.KindAdded, Amount: 50, CreatedAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectQuery(creditSQL).WithArgs("acct-1", int64(50), e.CreatedAt, int64(math.MaxInt64-50)).
		WillReturnRows(sqlmock.NewRows(stampCols).AddRow(int64(120), int64(2), e.CreatedAt))
	mock.ExpectExec(entrySQL).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, bal, err := s.Apply(context.Background(), "acct-1", e)
	if err != nil || bal != 120 {
		t.Fatalf("Apply: %d, %v", bal, err)
	}
}

func TestApplyClassifiesConditionalMiss(t *testing.T) {
	cases := []struct {
		name  string
		entry ledger.Entry
		query string
		rows  *sqlmock.Rows
		check func(error) bool
	}{
		{
			name:  "insufficient",
			entry: usedEntry(80),
			query: debitSQL,
			rows:  sqlmock.NewRows([]string{"balance", "active"}).AddRow(int64(70), true),
			check: func(err error) bool {
				var ic *ledger.InsufficientCreditsError
				return errors.As(err, &ic) && ic.Current == 70 && ic.Required == 80
			},
		},
		{
			name:  "inactive",
			entry: usedEntry(80),
			query: debitSQL,
			rows:  sqlmock.NewRows([]string{"balance", "active"}).AddRow(int64(500), false),
			check: func(err error) bool { return errors.Is(err, ledger.ErrAccountInactive) },
		},
		{
			name:  "missing",
			entry: usedEntry(80),
			query: debitSQL,
			rows:  sqlmock.NewRows([]string{"balance", "active"}),
			check: func(err error) bool { return errors.Is(err, ledger.ErrAccountNotFound) },
		},
		{
			name:  "overflow",
			entry: ledger.Entry{ID: "01ADD", Kind: ledger.KindAdded, Amount: math.MaxInt64, CreatedAt: time.Now().UTC()},
			query: creditSQL,
			rows:  sqlmock.NewRows([]string{"balance", "active"}).AddRow(int64(100), true),
			check: func(err error) bool {
				return errors.Is(err, ledger.ErrBalanceOverflow) && errors.Is(err, ledger.ErrInvalidAmount)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectQuery(tc.query).WillReturnRows(sqlmock.NewRows(stampCols))
			mock.ExpectQuery(lockSQL).WithArgs("acct-1").WillReturnRows(tc.rows)
			mock.ExpectRollback()

			_, _, err := s.Apply(context.Background(), "acct-1", tc.entry)
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestApplyRetriesWhenMissWasRaced(t *testing.T) {
	s, mock := newMock(t)
	e := usedEntry(80)

	mock.ExpectBegin()
	mock.ExpectQuery(debitSQL).WillReturnRows(sqlmock.NewRows(stampCols))
	// A concurrent add landed between the update and the lock.
	mock.ExpectQuery(lockSQL).WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "active"}).AddRow(int64(90), true))
	mock.ExpectQuery(debitSQL).
		WillReturnRows(sqlmock.NewRows(stampCols).AddRow(int64(10), int64(3), e.CreatedAt))
	mock.ExpectExec(entrySQL).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, bal, err := s.Apply(context.Background(), "acct-1", e)
	if err != nil || bal != 10 {
		t.Fatalf("Apply: %d, %v", bal, err)
	}
}

func TestApplyRollsBackWhenEntryInsertFails(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(debitSQL).WillReturnRows(sqlmock.NewRows(stampCols).AddRow(int64(70), int64(2), time.Now().UTC()))
	mock.ExpectExec(entrySQL).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if _, _, err := s.Apply(context.Background(), "acct-1", usedEntry(30)); err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateAccountDuplicateEmail(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	acct := ledger.Account{ID: "acct-1", Email: "A@Example.com", Name: "A", PasswordHash: "h", Balance: 100, Active: true, CreatedAt: now}
	opening := &ledger.Entry{ID: "01OPEN", Kind: ledger.KindAdded, Amount: 100, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`insert into accounts(`)).
		WithArgs("acct-1", "a@example.com", "A", "h", int64(100), true, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	if _, err := s.CreateAccount(context.Background(), acct, opening); !errors.Is(err, ledger.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestCreateAccountRejectsMismatchedOpening(t *testing.T) {
	s, _ := newMock(t)
	acct := ledger.Account{ID: "acct-1", Balance: 100}
	opening := &ledger.Entry{ID: "01OPEN", Kind: ledger.KindAdded, Amount: 50}
	if _, err := s.CreateAccount(context.Background(), acct, opening); !errors.Is(err, ledger.ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestEntriesNewestFirst(t *testing.T) {
	s, mock := newMock(t)
	t1 := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta(`order by seq desc`)).WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seq", "kind", "amount", "feature", "description", "created_at"}).
			AddRow("e2", int64(2), "added", int64(50), "", "Credits added manually", t1).
			AddRow("e1", int64(1), "used", int64(30), "x", "Credits used", t0))

	entries, err := s.Entries(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != ledger.KindAdded || entries[0].Seq != 2 || entries[1].Feature != "x" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestResolveTokenFiltersInactiveAndExpired(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	q := regexp.QuoteMeta(`select account_id from access_tokens where secret_hash = $1 and active and expires_at > $2`)

	mock.ExpectQuery(q).WithArgs("hash-ok", now).WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow("acct-1"))
	mock.ExpectQuery(q).WithArgs("hash-gone", now).WillReturnRows(sqlmock.NewRows([]string{"account_id"}))

	if id, err := s.ResolveToken(context.Background(), "hash-ok", now); err != nil || id != "acct-1" {
		t.Fatalf("resolve: %q, %v", id, err)
	}
	if _, err := s.ResolveToken(context.Background(), "hash-gone", now); !errors.Is(err, ledger.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestDeactivateTokenUnknown(t *testing.T) {
	s, mock := newMock(t)
	q := regexp.QuoteMeta(`update access_tokens set active = false where id = $1 and account_id = $2`)
	mock.ExpectExec(q).WithArgs("tok-1", "acct-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("nope", "acct-1").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeactivateToken(context.Background(), "acct-1", "tok-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := s.DeactivateToken(context.Background(), "acct-1", "nope"); !errors.Is(err, ledger.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestAddTokenForUnknownAccount(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`insert into access_tokens(`)).WillReturnResult(sqlmock.NewResult(0, 0))
	tok := ledger.AccessToken{ID: "tok-1", AccountID: "missing", SecretHash: "h", ExpiresAt: time.Now().Add(time.Hour), Active: true}
	if err := s.AddToken(context.Background(), tok); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
