/*
store.go - Persistence interface for accounts and ledger rows

PURPOSE:
  Defines the boundary between the ledger and the database. Two drivers
  implement it: store/sqlite (embedded, tests) and store/postgres.

KEY INTERFACES:
  AccountStore:     account rows, row locks, balance writes
  TransactionStore: append-only ledger rows
  TxStore:          runs a function inside one database transaction

APPEND-ONLY CONTRACT:
  Ledger rows are inserted, never updated or deleted. (Type, Reference)
  is unique; a second insert returns ErrDuplicateReference.

LOCKING:
  LockAccount must be called inside WithTx. Postgres takes a row lock
  (SELECT ... FOR UPDATE); SQLite holds the database write lock for the
  whole transaction (BEGIN IMMEDIATE), which is stronger.

EXTENDED STORES:
  WithTx hands fn a Store. The concrete value also implements the
  interfaces of the other packages (tasks.Store, withdrawal.Store, ...)
  so they can join the same transaction with a type assertion. If the
  assertion fails they return ErrStoreRequired.

SEE ALSO:
  - ledger.go: the only caller of SetBalances
  - store/sqlite/sqlite.go, store/postgres/postgres.go
*/
package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Interfaces for persistence
// =============================================================================

// AccountStore reads and locks accounts.
type AccountStore interface {
	// GetAccount returns ErrAccountNotFound if the id is unknown.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// LockAccount reads the account and locks it until the surrounding
	// transaction ends.
	LockAccount(ctx context.Context, id AccountID) (*Account, error)

	// SetBalances writes both pools. Only Ledger calls this.
	SetBalances(ctx context.Context, id AccountID, cash, voucher decimal.Decimal) error

	// ListAccounts returns every account ordered by creation.
	ListAccounts(ctx context.Context) ([]Account, error)
}

// TransactionStore persists ledger rows.
type TransactionStore interface {
	// AppendTransaction inserts a row. Returns ErrDuplicateReference if
	// (Type, Reference) exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// ReferenceExists checks whether (type, reference) was already used.
	ReferenceExists(ctx context.Context, txType TransactionType, reference string) (bool, error)

	// ListTransactions returns an account's rows, newest first. A limit
	// of 0 returns everything.
	ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error)
}

// Store is what the ledger needs inside and outside a transaction.
type Store interface {
	AccountStore
	TransactionStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// CompletionCounter is implemented by stores that also hold task
// completions. Summary uses it to fill Account.TasksCompleted.
type CompletionCounter interface {
	CountCompletedTasks(ctx context.Context, accountID AccountID) (int, error)
}

// =============================================================================
// AUDIT RUNS - Reconciliation history
// =============================================================================

type AuditStatus string

const (
	AuditRunning  AuditStatus = "running"
	AuditComplete AuditStatus = "completed"
	AuditFailed   AuditStatus = "failed"
)

// AuditRun records one pass of ReconcileAll.
type AuditRun struct {
	ID         string
	Status     AuditStatus
	Accounts   int
	Mismatches int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// AuditStore persists reconciliation runs.
type AuditStore interface {
	SaveAuditRun(ctx context.Context, run AuditRun) error
	// ListAuditRuns returns the newest limit runs.
	ListAuditRuns(ctx context.Context, limit int) ([]AuditRun, error)
}
