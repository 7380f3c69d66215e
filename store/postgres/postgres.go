/*
Package postgres implements the engine's storage interfaces on PostgreSQL
through a pgx connection pool.

PURPOSE:
  Production driver. Same tables and semantics as store/sqlite, with
  row-level locks (SELECT ... FOR UPDATE) instead of a database-wide
  write lock, so ledger writes on different accounts run in parallel.

VALUES:
  Money columns are NUMERIC(20,0) and are read back as text so
  decimal.Decimal never passes through float64. Timestamps are
  TIMESTAMPTZ.

ERRORS:
  23505 unique_violation       -> duplicate sentinels
  40001 serialization_failure  -> wallet.ErrConcurrentModification
  40P01 deadlock_detected      -> wallet.ErrConcurrentModification
  55P03 lock_not_available     -> wallet.ErrConcurrentModification

SEE ALSO:
  - store/sqlite: embedded driver used by tests and local runs
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/wallet"
)

// pgxdb is satisfied by *pgxpool.Pool and pgx.Tx.
type pgxdb interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db pgxdb
	// begin is nil inside a transaction.
	begin func(ctx context.Context) (pgx.Tx, error)
}

// Store implements all storage interfaces on a pgx pool.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

// New connects to dsn, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{pool: pool}
	s.queries = &queries{
		db: pool,
		begin: func(ctx context.Context) (pgx.Tx, error) {
			return pool.BeginTx(ctx, pgx.TxOptions{})
		},
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by TEXT,
		balance NUMERIC(20,0) NOT NULL DEFAULT 0,
		available_voucher_pkr NUMERIC(20,0) NOT NULL DEFAULT 0,
		membership_plan TEXT NOT NULL DEFAULT '',
		membership_status TEXT NOT NULL DEFAULT 'INACTIVE',
		country TEXT NOT NULL DEFAULT '',
		tasks_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		minimum_withdrawal NUMERIC(20,0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_referred_by ON accounts(referred_by);

	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		type TEXT NOT NULL,
		pool TEXT NOT NULL,
		amount NUMERIC(20,0) NOT NULL,
		status TEXT NOT NULL,
		reference TEXT NOT NULL,
		balance_after NUMERIC(20,0) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL,
		UNIQUE(type, reference)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_transactions(account_id, created_at);

	CREATE TABLE IF NOT EXISTS commission_level_rates (
		level INTEGER PRIMARY KEY CHECK (level BETWEEN 1 AND 5),
		rate NUMERIC(10,4) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS membership_plans (
		name TEXT PRIMARY KEY,
		price NUMERIC(20,0) NOT NULL,
		daily_task_earning NUMERIC(20,0) NOT NULL,
		tasks_per_day INTEGER NOT NULL,
		minimum_withdrawal NUMERIC(20,0) NOT NULL,
		voucher_amount NUMERIC(20,0) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		reward NUMERIC(20,0) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_completions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		task_id TEXT NOT NULL REFERENCES tasks(id),
		status TEXT NOT NULL,
		reward NUMERIC(20,0) NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(account_id, task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_completions_daily ON task_completions(account_id, status, completed_at);

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount NUMERIC(20,0) NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_details TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMPTZ NOT NULL,
		decided_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_account ON withdrawal_requests(account_id, requested_at);

	CREATE TABLE IF NOT EXISTS vouchers (
		code TEXT PRIMARY KEY,
		amount NUMERIC(20,0) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		accounts INTEGER NOT NULL DEFAULT 0,
		mismatches INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	);
	`)
	return err
}

// Reset truncates every table, keeping the schema.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE audit_runs, vouchers, withdrawal_requests, task_completions, tasks,
		membership_plans, commission_level_rates, ledger_transactions, accounts`)
	return mapError(err)
}

// WithTx runs fn in one transaction; fn's error rolls it back.
func (s *Store) WithTx(ctx context.Context, fn func(store wallet.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{queries: &queries{db: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type txStore struct {
	*queries
}

// atomic runs fn in a transaction, or directly when q already is one.
func (q *queries) atomic(ctx context.Context, fn func(*queries) error) error {
	if q.begin == nil {
		return fn(q)
	}
	tx, err := q.begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	return mapError(tx.Commit(ctx))
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullAmount(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// amounts parses the numeric::text columns of one row and keeps the
// first failure.
type amounts struct {
	err error
}

func (a *amounts) parse(s string) decimal.Decimal {
	d, err := wallet.ParseAmount(s)
	if err != nil && a.err == nil {
		a.err = err
	}
	return d
}

func (a *amounts) parseNull(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := a.parse(*s)
	return &d
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == "23505"
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %v", wallet.ErrConcurrentModification, err)
	}
	return err
}
