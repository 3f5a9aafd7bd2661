package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"creditscribe.org/internal/ledger"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle. Tests pass a sqlmock connection.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

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

	var (
		seq    int64
		lastAt sql.NullTime
	)
	if opening != nil {
		seq = 1
		lastAt = sql.NullTime{Time: opening.CreatedAt, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into accounts(id, email, name, password_hash, balance, active, created_at, last_login_at, entry_seq, last_entry_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		acct.ID, acct.Email, acct.Name, acct.PasswordHash, acct.Balance, acct.Active, acct.CreatedAt, nullTime(acct.LastLoginAt), seq, lastAt,
	); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
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
	return scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id))
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where email = $1`,
		strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return expectOne(s.db.ExecContext(ctx, `update accounts set active = $2 where id = $1`, id, active))
}

func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return expectOne(s.db.ExecContext(ctx, `update accounts set last_login_at = $2 where id = $1`, id, at))
}

const (
	debitQuery = `
		update accounts
		set balance = balance - $2, entry_seq = entry_seq + 1, last_entry_at = greatest(last_entry_at, $3)
		where id = $1 and active and balance >= $2
		returning balance, entry_seq, last_entry_at`
	creditQuery = `
		update accounts
		set balance = balance + $2, entry_seq = entry_seq + 1, last_entry_at = greatest(last_entry_at, $3)
		where id = $1 and active and balance <= $4
		returning balance, entry_seq, last_entry_at`
)

// Apply uses a conditional update so the balance check and the change are a
// single statement. The same statement advances the account's entry sequence
// and timestamp floor, and the entry insert shares its transaction, so entry
// order always matches commit order.
func (s *Store) Apply(ctx context.Context, accountID string, e ledger.Entry) (ledger.Entry, int64, error) {
	if !e.Kind.Valid() || e.Amount <= 0 {
		return ledger.Entry{}, 0, ledger.ErrInvalidEntry
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// The second attempt runs with the row locked by classifyMiss.
	for attempt := 0; attempt < 2; attempt++ {
		var row *sql.Row
		if e.Kind == ledger.KindUsed {
			row = tx.QueryRowContext(ctx, debitQuery, accountID, e.Amount, e.CreatedAt)
		} else {
			row = tx.QueryRowContext(ctx, creditQuery, accountID, e.Amount, e.CreatedAt, ledger.CreditLimit(e.Amount))
		}
		var (
			balance int64
			stamped = e
		)
		err := row.Scan(&balance, &stamped.Seq, &stamped.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			if err := classifyMiss(ctx, tx, accountID, e); err != nil {
				return ledger.Entry{}, 0, err
			}
			continue
		}
		if err != nil {
			return ledger.Entry{}, 0, err
		}
		stamped.CreatedAt = stamped.CreatedAt.UTC()
		if err := insertEntry(ctx, tx, accountID, stamped); err != nil {
			return ledger.Entry{}, 0, err
		}
		if err := tx.Commit(); err != nil {
			return ledger.Entry{}, 0, err
		}
		return stamped, balance, nil
	}
	return ledger.Entry{}, 0, fmt.Errorf("pg: apply to %s did not match after locking", accountID)
}

// classifyMiss explains why the conditional update matched no row. The row
// is locked so a nil result means the retried update will match.
func classifyMiss(ctx context.Context, tx *sql.Tx, accountID string, e ledger.Entry) error {
	var (
		balance int64
		active  bool
	)
	err := tx.QueryRowContext(ctx, `select balance, active from accounts where id = $1 for update`, accountID).Scan(&balance, &active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ledger.ErrAccountNotFound
	case err != nil:
		return err
	}
	return ledger.Rejection(e, balance, active)
}

func (s *Store) Entries(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, seq, kind, amount, feature, description, created_at
		from ledger_entries
		where account_id = $1
		order by seq desc`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e    ledger.Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &kind, &e.Amount, &e.Feature, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = ledger.EntryKind(kind)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AddToken(ctx context.Context, tok ledger.AccessToken) error {
	if tok.ID == "" || tok.SecretHash == "" {
		return ledger.ErrInvalidEntry
	}
	res, err := s.db.ExecContext(ctx, `
		insert into access_tokens(id, account_id, secret_hash, prefix, expires_at, active, created_at)
		select $1, id, $3, $4, $5, $6, $7 from accounts where id = $2`,
		tok.ID, tok.AccountID, tok.SecretHash, tok.Prefix, tok.ExpiresAt, tok.Active, tok.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
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
		select id, account_id, secret_hash, prefix, expires_at, active, created_at
		from access_tokens
		where account_id = $1
		order by created_at asc, id asc`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.AccessToken
	for rows.Next() {
		var t ledger.AccessToken
		if err := rows.Scan(&t.ID, &t.AccountID, &t.SecretHash, &t.Prefix, &t.ExpiresAt, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.ExpiresAt = t.ExpiresAt.UTC()
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateToken(ctx context.Context, accountID, tokenID string) error {
	res, err := s.db.ExecContext(ctx, `update access_tokens set active = false where id = $1 and account_id = $2`, tokenID, accountID)
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
		select account_id from access_tokens
		where secret_hash = $1 and active and expires_at > $2`, secretHash, now).Scan(&accountID)
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
		insert into ledger_entries(id, account_id, seq, kind, amount, feature, description, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, accountID, e.Seq, string(e.Kind), e.Amount, e.Feature, e.Description, e.CreatedAt)
	return err
}

func scanAccount(row *sql.Row) (ledger.Account, error) {
	var (
		a         ledger.Account
		lastLogin sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.Balance, &a.Active, &a.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
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

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
