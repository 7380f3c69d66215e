/*
ledger.go - Atomic balance mutations with an immutable audit trail

PURPOSE:
  The Ledger is the single writer of Account.Balance and
  Account.AvailableVoucherPKR. Every credit or debit locks the account,
  writes the new pool balance and appends a COMPLETED Transaction inside
  one database transaction.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: ledger rows are never updated or deleted
  2. NON-NEGATIVE: no pool balance ever goes below zero
  3. IDEMPOTENT: (Type, Reference) can be applied once
  4. ALL-OR-NOTHING: a batch applies every entry or none

ATOMIC SCOPES:
  Components that must combine their own writes with money movement
  (withdrawal request + debit, task approval + reward, membership
  activation + commission batch) use Atomically. Everything inside fn
  commits or rolls back together, and transient conflicts rerun fn.

  err := ledger.Atomically(ctx, func(tx *wallet.Tx) error {
      store, ok := tx.Store().(withdrawal.Store)
      if !ok {
          return wallet.ErrStoreRequired
      }
      if err := store.CreateWithdrawal(ctx, req); err != nil {
          return err
      }
      _, err := tx.Debit(ctx, entry)
      return err
  })

NOTIFICATIONS:
  Events are collected while fn runs and published only after commit.
  A rolled back attempt publishes nothing. Notifier errors are logged
  and swallowed.

SEE ALSO:
  - retry.go: RetryPolicy
  - notifier.go: Notifier
  - store.go: Store / TxStore
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/metrics"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    TxStore
	notifier Notifier
	logger   *zap.Logger
	retry    RetryPolicy
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithNotifier(n Notifier) Option {
	return func(l *Ledger) {
		if n != nil {
			l.notifier = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) { l.retry = p }
}

// WithClock overrides time.Now for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLedger(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		notifier: NopNotifier{},
		logger:   zap.NewNop(),
		retry:    DefaultRetryPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the non-transactional store the ledger was built with.
func (l *Ledger) Store() TxStore {
	return l.store
}

// =============================================================================
// ATOMIC SCOPE
// =============================================================================

// Tx is an open atomic scope. It is only valid inside the fn passed to
// Atomically.
type Tx struct {
	ledger *Ledger
	store  Store
	events []Event
}

// Store returns the transaction-scoped store. Callers type-assert it to
// their own store interface.
func (t *Tx) Store() Store {
	return t.store
}

// Atomically runs fn in a single database transaction. fn may be called
// more than once when the database reports a transient conflict, so it
// must not have side effects outside the store.
func (l *Ledger) Atomically(ctx context.Context, fn func(*Tx) error) error {
	var events []Event

	err := l.retry.Do(ctx, func() error {
		tx := &Tx{ledger: l}
		err := l.store.WithTx(ctx, func(s Store) error {
			tx.store = s
			return fn(tx)
		})
		if err == nil {
			events = tx.events
		}
		return err
	}, func(attempt int, err error) {
		metrics.LedgerRetries.Inc()
		l.logger.Warn("ledger transaction conflict, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		return err
	}

	l.publish(ctx, events)
	return nil
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

// Credit adds e.Amount to the pool of e.Type.
func (l *Ledger) Credit(ctx context.Context, e Entry) (Receipt, error) {
	var receipt Receipt
	err := l.Atomically(ctx, func(tx *Tx) error {
		var err error
		receipt, err = tx.Credit(ctx, e)
		return err
	})
	return receipt, err
}

// Debit removes e.Amount from the cash pool.
func (l *Ledger) Debit(ctx context.Context, e Entry) (Receipt, error) {
	var receipt Receipt
	err := l.Atomically(ctx, func(tx *Tx) error {
		var err error
		receipt, err = tx.Debit(ctx, e)
		return err
	})
	return receipt, err
}

// BatchCredit applies every entry or none of them.
func (l *Ledger) BatchCredit(ctx context.Context, entries []Entry) ([]Receipt, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var receipts []Receipt
	err := l.Atomically(ctx, func(tx *Tx) error {
		var err error
		receipts, err = tx.BatchCredit(ctx, entries)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

func (t *Tx) Credit(ctx context.Context, e Entry) (Receipt, error) {
	return t.apply(ctx, e, true)
}

func (t *Tx) Debit(ctx context.Context, e Entry) (Receipt, error) {
	return t.apply(ctx, e, false)
}

// BatchCredit locks every touched account in sorted id order before
// applying entries, so two batches over the same accounts can't deadlock.
func (t *Tx) BatchCredit(ctx context.Context, entries []Entry) ([]Receipt, error) {
	ids := make([]string, 0, len(entries))
	seen := make(map[AccountID]bool, len(entries))
	for _, e := range entries {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			ids = append(ids, string(e.AccountID))
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := t.store.LockAccount(ctx, AccountID(id)); err != nil {
			idx := indexOf(entries, AccountID(id))
			return nil, &BatchError{Index: idx, AccountID: AccountID(id), Err: err}
		}
	}

	receipts := make([]Receipt, 0, len(entries))
	for i, e := range entries {
		r, err := t.Credit(ctx, e)
		if err != nil {
			return nil, &BatchError{Index: i, AccountID: e.AccountID, Err: err}
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

func indexOf(entries []Entry, id AccountID) int {
	for i, e := range entries {
		if e.AccountID == id {
			return i
		}
	}
	return -1
}

func (t *Tx) apply(ctx context.Context, e Entry, credit bool) (receipt Receipt, err error) {
	op := "debit"
	if credit {
		op = "credit"
	}
	defer func() {
		result := "ok"
		if err != nil {
			result = resultLabel(err)
		}
		metrics.LedgerOperations.WithLabelValues(op, string(e.Type), result).Inc()
	}()

	if err := validateEntry(e, credit); err != nil {
		return Receipt{}, err
	}

	exists, err := t.store.ReferenceExists(ctx, e.Type, e.Reference)
	if err != nil {
		return Receipt{}, fmt.Errorf("check reference: %w", err)
	}
	if exists {
		return Receipt{}, &DuplicateReferenceError{Type: e.Type, Reference: e.Reference}
	}

	acc, err := t.store.LockAccount(ctx, e.AccountID)
	if err != nil {
		return Receipt{}, err
	}

	cash, voucher := acc.Balance, acc.AvailableVoucherPKR
	signed := e.Amount
	if !credit {
		signed = e.Amount.Neg()
	}

	pool := e.Type.Pool()
	var after decimal.Decimal
	switch pool {
	case PoolCash:
		after = cash.Add(signed)
		if after.IsNegative() {
			return Receipt{}, &InsufficientBalanceError{
				AccountID: e.AccountID, Pool: pool, Available: cash, Requested: e.Amount,
			}
		}
		cash = after
	case PoolVoucher:
		after = voucher.Add(signed)
		if after.IsNegative() {
			return Receipt{}, &InsufficientBalanceError{
				AccountID: e.AccountID, Pool: pool, Available: voucher, Requested: e.Amount,
			}
		}
		voucher = after
	}

	if err := t.store.SetBalances(ctx, e.AccountID, cash, voucher); err != nil {
		return Receipt{}, fmt.Errorf("write balances: %w", err)
	}

	now := t.ledger.now().UTC()
	row := Transaction{
		ID:           TransactionID(uuid.NewString()),
		AccountID:    e.AccountID,
		Type:         e.Type,
		Pool:         pool,
		Amount:       signed,
		Status:       StatusCompleted,
		Reference:    e.Reference,
		BalanceAfter: after,
		Description:  e.Description,
		CreatedAt:    now,
	}
	if err := t.store.AppendTransaction(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return Receipt{}, &DuplicateReferenceError{Type: e.Type, Reference: e.Reference}
		}
		return Receipt{}, fmt.Errorf("append transaction: %w", err)
	}

	t.events = append(t.events, Event{
		AccountID:     e.AccountID,
		Amount:        signed,
		Type:          e.Type,
		Reference:     e.Reference,
		TransactionID: row.ID,
		At:            now,
	})

	return Receipt{
		TransactionID:  row.ID,
		AccountID:      e.AccountID,
		Type:           e.Type,
		Amount:         signed,
		Balance:        cash,
		VoucherBalance: voucher,
	}, nil
}

func validateEntry(e Entry, credit bool) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTransactionType, e.Type)
	}
	if e.Type.IsCredit() != credit {
		if credit {
			return fmt.Errorf("%w: %s is not a credit", ErrUnknownTransactionType, e.Type)
		}
		return fmt.Errorf("%w: %s is not a debit", ErrUnknownTransactionType, e.Type)
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if e.Reference == "" {
		return ErrReferenceRequired
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient"
	case IsNotFound(err):
		return "not_found"
	case IsClientError(err):
		return "rejected"
	default:
		return "error"
	}
}

func (l *Ledger) publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		if err := l.notifier.Notify(ctx, ev); err != nil {
			l.logger.Warn("notify failed",
				zap.String("account_id", string(ev.AccountID)),
				zap.String("type", string(ev.Type)),
				zap.String("reference", ev.Reference),
				zap.Error(err))
		}
	}
}

// =============================================================================
// READ SIDE - Summary, History, Reconcile
// =============================================================================

// Summary is an account with its derived reporting fields filled in.
type Summary struct {
	Account
	TransactionCount int
}

// Summary loads the account and derives TotalEarnings,
// PendingCommission and TasksCompleted from history.
func (l *Ledger) Summary(ctx context.Context, id AccountID) (Summary, error) {
	acc, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	txs, err := l.store.ListTransactions(ctx, id, 0)
	if err != nil {
		return Summary{}, fmt.Errorf("list transactions: %w", err)
	}

	acc.TotalEarnings, acc.PendingCommission = deriveTotals(txs)

	if counter, ok := l.store.(CompletionCounter); ok {
		n, err := counter.CountCompletedTasks(ctx, id)
		if err != nil {
			return Summary{}, fmt.Errorf("count completed tasks: %w", err)
		}
		acc.TasksCompleted = n
	}

	return Summary{Account: *acc, TransactionCount: len(txs)}, nil
}

func deriveTotals(txs []Transaction) (earnings, pending decimal.Decimal) {
	earnings, pending = decimal.Zero, decimal.Zero
	for _, tx := range txs {
		switch {
		case tx.Status == StatusCompleted && tx.Type.IsEarning():
			earnings = earnings.Add(tx.Amount)
		case tx.Status == StatusPending && tx.Type == TxCommission:
			pending = pending.Add(tx.Amount)
		}
	}
	return earnings, pending
}

// History returns the newest limit transactions; 0 means all.
func (l *Ledger) History(ctx context.Context, id AccountID, limit int) ([]Transaction, error) {
	if _, err := l.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, id, limit)
}

// Reconciliation compares stored balances to the ledger sums.
type Reconciliation struct {
	AccountID      AccountID
	Balance        decimal.Decimal
	VoucherBalance decimal.Decimal
	LedgerCash     decimal.Decimal
	LedgerVoucher  decimal.Decimal
	Transactions   int
}

// Balanced reports whether both pools match their history.
func (r Reconciliation) Balanced() bool {
	return r.Balance.Equal(r.LedgerCash) && r.VoucherBalance.Equal(r.LedgerVoucher)
}

// Reconcile sums the account's COMPLETED transactions per pool.
func (l *Ledger) Reconcile(ctx context.Context, id AccountID) (Reconciliation, error) {
	acc, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	txs, err := l.store.ListTransactions(ctx, id, 0)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("list transactions: %w", err)
	}

	r := Reconciliation{
		AccountID:      id,
		Balance:        acc.Balance,
		VoucherBalance: acc.AvailableVoucherPKR,
		LedgerCash:     decimal.Zero,
		LedgerVoucher:  decimal.Zero,
		Transactions:   len(txs),
	}
	for _, tx := range txs {
		if tx.Status != StatusCompleted {
			continue
		}
		switch tx.Pool {
		case PoolCash:
			r.LedgerCash = r.LedgerCash.Add(tx.Amount)
		case PoolVoucher:
			r.LedgerVoucher = r.LedgerVoucher.Add(tx.Amount)
		}
	}
	return r, nil
}

// AuditReport is the result of ReconcileAll.
type AuditReport struct {
	Accounts   int
	Mismatched []Reconciliation
}

// ReconcileAll audits every account.
func (l *Ledger) ReconcileAll(ctx context.Context) (AuditReport, error) {
	accounts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("list accounts: %w", err)
	}
	report := AuditReport{Accounts: len(accounts)}
	for _, acc := range accounts {
		r, err := l.Reconcile(ctx, acc.ID)
		if err != nil {
			return AuditReport{}, err
		}
		if !r.Balanced() {
			report.Mismatched = append(report.Mismatched, r)
		}
	}
	metrics.ReconciliationMismatches.Set(float64(len(report.Mismatched)))
	return report, nil
}
