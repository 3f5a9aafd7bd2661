package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"creditscribe.org/internal/ledger"
)

// Store implements ledger.Store backed by a single SQLite file. Timestamps
// are stored as unix nanoseconds so ordering is exact.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serialises writers; conditional updates keep spends
	// correct regardless.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA foreign_keys=ON`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	balance INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	last_login_at INTEGER,
	entry_seq INTEGER NOT NULL DEFAULT 0,
	last_entry_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('added','used','refunded')),
	amount INTEGER NOT NULL CHECK(amount > 0),
	feature TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_account_seq ON ledger_entries(account_id, seq);
CREATE TABLE IF NOT EXISTS access_tokens (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	secret_hash TEXT NOT NULL UNIQUE,
	prefix TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_tokens_account ON access_tokens(account_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account, opening *ledger.Entry) (ledger.Account, error) {
	if acct.ID == "" {
		return ledger.Account{}, ledger.ErrInvalidEntry
	}
	if opening != nil && (!opening.Kind.Valid() || opening.Amount <= 0 || opening.Signed() != acct.Balance) {
		return ledger.Account{}, ledger.ErrInvalidEntry
	}
	if opening == nil && acct.Balance != 0 {
		return ledger.Account{}, ledger.ErrInvalidEntry
	}
	acct.Email = strings.ToLower(strings.TrimSpace(acct.Email))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var lastLogin sql.NullInt64
	if acct.LastLoginAt != nil {
		lastLogin = sql.NullInt64{Int64: acct.LastLoginAt.UnixNano(), Valid: true}
	}
	var seq, lastEntryAt int64
	if opening != nil {
		seq, lastEntryAt = 1, opening.CreatedAt.UnixNano()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(id, email, name, password_hash, balance, active, created_at, last_login_at, entry_seq, last_entry_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Email, acct.Name, acct.PasswordHash, acct.Balance, acct.Active, acct.CreatedAt.UnixNano(), lastLogin, seq, lastEntryAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ledger.Account{}, ledger.ErrAccountExists
		}
		return ledger.Account{}, err
	}
	if opening != nil {
		first := *opening
		first.Seq = 1
		if err := insertEntry(ctx, tx, acct.ID, first); err != nil {
			return ledger.Account{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

const accountColumns = `id, email, name, password_hash, balance, active, created_at, last_login_at`

func (s *Store) Account(ctx context.Context, id string) (ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return expectOne(s.db.ExecContext(ctx, `UPDATE accounts SET active = ? WHERE id = ?`, active, id))
}

func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return expectOne(s.db.ExecContext(ctx, `UPDATE accounts SET last_login_at = ? WHERE id = ?`, at.UnixNano(), id))
}

const (
	debitQuery = `
UPDATE accounts
SET balance = balance - ?, entry_seq = entry_seq + 1, last_entry_at = MAX(last_entry_at, ?)
WHERE id = ? AND active = 1 AND balance >= ?
RETURNING balance, entry_seq, last_entry_at`
	creditQuery = `
UPDATE accounts
SET balance = balance + ?, entry_seq = entry_seq + 1, last_entry_at = MAX(last_entry_at, ?)
WHERE id = ? AND active = 1 AND balance <= ?
RETURNING balance, entry_seq, last_entry_at`
)

// Apply changes the balance, advances the entry sequence and raises the
// timestamp floor in one conditional statement, then inserts the entry in
// the same transaction.
func (s *Store) Apply(ctx context.Context, accountID string, e ledger.Entry) (ledger.Entry, int64, error) {
	if !e.Kind.Valid() || e.Amount <= 0 {
		return ledger.Entry{}, 0, ledger.ErrInvalidEntry
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	query, bound := creditQuery, ledger.CreditLimit(e.Amount)
	if e.Kind == ledger.KindUsed {
		query, bound = debitQuery, e.Amount
	}
	var (
		balance int64
		stampNs int64
		stamped = e
	)
	err = tx.QueryRowContext(ctx, query, e.Amount, e.CreatedAt.UnixNano(), accountID, bound).Scan(&balance, &stamped.Seq, &stampNs)
	if errors.Is(err, sql.ErrNoRows) {
		// The single connection keeps this transaction exclusive, so the
		// state read here is the state the update saw.
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT balance, active FROM accounts WHERE id = ?`, accountID).Scan(&balance, &active)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ledger.Entry{}, 0, ledger.ErrAccountNotFound
		case err != nil:
			return ledger.Entry{}, 0, err
		}
		if err := ledger.Rejection(e, balance, active); err != nil {
			return ledger.Entry{}, 0, err
		}
		return ledger.Entry{}, 0, fmt.Errorf("sqlite: apply to %s missed an account that accepts it", accountID)
	}
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	stamped.CreatedAt = fromNanos(stampNs)
	if err := insertEntry(ctx, tx, accountID, stamped); err != nil {
		return ledger.Entry{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, 0, err
	}
	return stamped, balance, nil
}

func (s *Store) Entries(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, seq, kind, amount, feature, description, created_at
FROM ledger_entries
WHERE account_id = ?
ORDER BY seq DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			kind    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Seq, &kind, &e.Amount, &e.Feature, &e.Description, &created); err != nil {
			return nil, err
		}
		e.Kind = ledger.EntryKind(kind)
		e.CreatedAt = fromNanos(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) AddToken(ctx context.Context, tok ledger.AccessToken) error {
	if tok.ID == "" || tok.SecretHash == "" {
		return ledger.ErrInvalidEntry
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO access_tokens(id, account_id, secret_hash, prefix, expires_at, active, created_at)
SELECT ?, id, ?, ?, ?, ?, ? FROM accounts WHERE id = ?`,
		tok.ID, tok.SecretHash, tok.Prefix, tok.ExpiresAt.UnixNano(), tok.Active, tok.CreatedAt.UnixNano(), tok.AccountID)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrInvalidEntry
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Store) Tokens(ctx context.Context, accountID string) ([]ledger.AccessToken, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, secret_hash, prefix, expires_at, active, created_at
FROM access_tokens
WHERE account_id = ?
ORDER BY created_at ASC, id ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.AccessToken
	for rows.Next() {
		var (
			t                ledger.AccessToken
			expires, created int64
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.SecretHash, &t.Prefix, &expires, &t.Active, &created); err != nil {
			return nil, err
		}
		t.ExpiresAt = fromNanos(expires)
		t.CreatedAt = fromNanos(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateToken(ctx context.Context, accountID, tokenID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE access_tokens SET active = 0 WHERE id = ? AND account_id = ?`, tokenID, accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrTokenNotFound
	}
	return nil
}

func (s *Store) ResolveToken(ctx context.Context, secretHash string, now time.Time) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
SELECT account_id FROM access_tokens
WHERE secret_hash = ? AND active = 1 AND expires_at > ?`, secretHash, now.UnixNano()).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ledger.ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID string, e ledger.Entry) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(id, account_id, seq, kind, amount, feature, description, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, accountID, e.Seq, string(e.Kind), e.Amount, e.Feature, e.Description, e.CreatedAt.UnixNano())
	return err
}

func scanAccount(row *sql.Row) (ledger.Account, error) {
	var (
		a         ledger.Account
		created   int64
		lastLogin sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.Balance, &a.Active, &created, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	a.CreatedAt = fromNanos(created)
	if lastLogin.Valid {
		t := fromNanos(lastLogin.Int64)
		a.LastLoginAt = &t
	}
	return a, nil
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
