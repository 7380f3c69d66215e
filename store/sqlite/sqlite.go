/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine (wallet, plans,
  referral, tasks, withdrawal, voucher) on one embedded database. Used
  for local runs and for tests; store/postgres is the production driver
  with the same schema.

INTERFACES IMPLEMENTED:
  wallet.TxStore, wallet.CompletionCounter, wallet.AuditStore
  referral.DirectoryStore, referral.RateStore, referral.MembershipStore
  plans.Store
  tasks.Store, tasks.CatalogStore
  withdrawal.Store, withdrawal.Lister
  voucher.Store

APPEND-ONLY ENFORCEMENT:
  ledger_transactions is only ever INSERTed. UNIQUE(type, reference)
  backs the ledger's idempotency check.

KEY TABLES:
  accounts:               members, balances, sponsor edge
  ledger_transactions:    immutable ledger rows
  commission_level_rates: level 1..5 payout fractions
  membership_plans:       plan overrides
  tasks, task_completions
  withdrawal_requests
  vouchers
  audit_runs:             reconciliation history

CONCURRENCY:
  The pool is capped at one connection and transactions begin with
  BEGIN IMMEDIATE (_txlock=immediate), so a ledger transaction holds the
  write lock from its first statement. Callers must not use the Store
  itself while inside WithTx; they use the Store passed to fn.

VALUES:
  Money is stored as decimal TEXT. Timestamps are UTC TEXT in a fixed
  width layout so they compare correctly as strings.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := wallet.NewLedger(store)

SEE ALSO:
  - wallet/store.go: Interface definitions
  - store/postgres: the same schema on Postgres
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/wallet"
)

// timeLayout is fixed width so TEXT comparison orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; Store runs them on the pool, txStore
// on an open transaction.
type queries struct {
	db dbtx
	// begin is nil inside a transaction.
	begin func(ctx context.Context) (*sql.Tx, error)
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: a :memory: database lives and dies with it, and
	// SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	store.queries = &queries{
		db: db,
		begin: func(ctx context.Context) (*sql.Tx, error) {
			return db.BeginTx(ctx, nil)
		},
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by TEXT,
		balance TEXT NOT NULL DEFAULT '0',
		available_voucher_pkr TEXT NOT NULL DEFAULT '0',
		membership_plan TEXT NOT NULL DEFAULT '',
		membership_status TEXT NOT NULL DEFAULT 'INACTIVE',
		country TEXT NOT NULL DEFAULT '',
		tasks_enabled INTEGER NOT NULL DEFAULT 1,
		minimum_withdrawal TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_referred_by ON accounts(referred_by);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		type TEXT NOT NULL,
		pool TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		reference TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(type, reference)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_transactions(account_id, created_at);

	CREATE TABLE IF NOT EXISTS commission_level_rates (
		level INTEGER PRIMARY KEY CHECK (level BETWEEN 1 AND 5),
		rate TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS membership_plans (
		name TEXT PRIMARY KEY,
		price TEXT NOT NULL,
		daily_task_earning TEXT NOT NULL,
		tasks_per_day INTEGER NOT NULL,
		minimum_withdrawal TEXT NOT NULL,
		voucher_amount TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		reward TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_completions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		task_id TEXT NOT NULL REFERENCES tasks(id),
		status TEXT NOT NULL,
		reward TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(account_id, task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_completions_daily ON task_completions(account_id, status, completed_at);

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_details TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		requested_at TEXT NOT NULL,
		decided_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_account ON withdrawal_requests(account_id, requested_at);

	CREATE TABLE IF NOT EXISTS vouchers (
		code TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		accounts INTEGER NOT NULL DEFAULT 0,
		mismatches INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data, keeping the schema.
func (s *Store) Reset(ctx context.Context) error {
	return s.atomic(ctx, func(q *queries) error {
		for _, table := range []string{
			"audit_runs", "vouchers", "withdrawal_requests", "task_completions", "tasks",
			"membership_plans", "commission_level_rates", "ledger_transactions", "accounts",
		} {
			if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// TRANSACTIONAL STORE (wallet.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store wallet.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: &queries{db: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// txStore exposes the same statements bound to one transaction.
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
	defer tx.Rollback()
	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	return mapError(tx.Commit())
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

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

// amounts parses the decimal columns of one row and keeps the first
// failure, so a scanner converts every column and checks once.
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

func (a *amounts) parseNull(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d := a.parse(ns.String)
	return &d
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapError turns lock contention into wallet.ErrConcurrentModification.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", wallet.ErrConcurrentModification, err)
	}
	return err
}
