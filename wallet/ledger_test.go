package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T, opts ...wallet.Option) (*wallet.Ledger, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return wallet.NewLedger(store, opts...), store
}

func newAccount(t *testing.T, store *sqlite.Store) wallet.AccountID {
	acc, err := referral.NewDirectory(store, nil).Signup(context.Background(), referral.SignupInput{})
	require.NoError(t, err)
	return acc.ID
}

func reward(id wallet.AccountID, amount int64, ref string) wallet.Entry {
	return wallet.Entry{AccountID: id, Amount: wallet.PKR(amount), Type: wallet.TxTaskReward, Reference: ref}
}

func withdrawal(id wallet.AccountID, amount int64, ref string) wallet.Entry {
	return wallet.Entry{AccountID: id, Amount: wallet.PKR(amount), Type: wallet.TxWithdrawalDebit, Reference: ref}
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

func TestLedger_CreditAndDebit(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, store)

	receipt, err := ledger.Credit(ctx, reward(id, 1500, "r-1"))
	require.NoError(t, err)
	assert.True(t, receipt.Balance.Equal(wallet.PKR(1500)))
	assert.NotEmpty(t, receipt.TransactionID)

	receipt, err = ledger.Debit(ctx, withdrawal(id, 400, "w-1"))
	require.NoError(t, err)
	assert.True(t, receipt.Amount.Equal(wallet.PKR(-400)), "debits are stored signed")
	assert.True(t, receipt.Balance.Equal(wallet.PKR(1100)))

	txs, err := ledger.History(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, wallet.TxWithdrawalDebit, txs[0].Type)
	assert.True(t, txs[0].BalanceAfter.Equal(wallet.PKR(1100)))
}

func TestLedger_VoucherPoolIsSeparate(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, store)

	receipt, err := ledger.Credit(ctx, wallet.Entry{
		AccountID: id, Amount: wallet.PKR(1000), Type: wallet.TxVoucherCredit, Reference: "code-1",
	})
	require.NoError(t, err)
	assert.True(t, receipt.VoucherBalance.Equal(wallet.PKR(1000)))
	assert.True(t, receipt.Balance.IsZero())

	// WHEN: withdrawing against a voucher-only balance
	_, err = ledger.Debit(ctx, withdrawal(id, 500, "w-1"))

	// THEN: the cash pool is checked, not the voucher pool
	var insufficient *wallet.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, wallet.PoolCash, insufficient.Pool)
	assert.True(t, insufficient.Shortfall().Equal(wallet.PKR(500)))
}

func TestLedger_InsufficientBalance_NoWrite(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, store)
	_, err := ledger.Credit(ctx, reward(id, 1500, "r-1"))
	require.NoError(t, err)

	_, err = ledger.Debit(ctx, withdrawal(id, 2500, "w-1"))
	assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)
	assert.True(t, wallet.IsClientError(err))

	acc, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(wallet.PKR(1500)))

	txs, err := ledger.History(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestLedger_DuplicateReference_NoSecondCredit(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, store)

	_, err := ledger.Credit(ctx, reward(id, 100, "same"))
	require.NoError(t, err)

	_, err = ledger.Credit(ctx, reward(id, 100, "same"))
	var dup *wallet.DuplicateReferenceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "same", dup.Reference)
	assert.ErrorIs(t, err, wallet.ErrDuplicateReference)

	acc, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(wallet.PKR(100)))
}

func TestLedger_ValidatesEntries(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, store)

	tests := []struct {
		name  string
		entry wallet.Entry
		debit bool
		want  error
	}{
		{"zero amount", reward(id, 0, "r"), false, wallet.ErrInvalidAmount},
		{"negative amount", reward(id, -5, "r"), false, wallet.ErrInvalidAmount},
		{"missing reference", reward(id, 5, ""), false, wallet.ErrReferenceRequired},
		{"unknown type", wallet.Entry{AccountID: id, Amount: wallet.PKR(5), Type: "BONUS", Reference: "r"}, false, wallet.ErrUnknownTransactionType},
		{"debit type credited", withdrawal(id, 5, "r"), false, wallet.ErrUnknownTransactionType},
		{"credit type debited", reward(id, 5, "r"), true, wallet.ErrUnknownTransactionType},
		{"unknown account", reward("ghost", 5, "r"), false, wallet.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.debit {
				_, err = ledger.Debit(ctx, tt.entry)
			} else {
				_, err = ledger.Credit(ctx, tt.entry)
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// =============================================================================
// BATCH
// =============================================================================

func TestLedger_BatchCredit_AllOrNothing(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	a := newAccount(t, store)
	b := newAccount(t, store)

	// GIVEN: b already holds the reference the batch will reuse
	_, err := ledger.Credit(ctx, wallet.Entry{AccountID: b, Amount: wallet.PKR(1), Type: wallet.TxCommission, Reference: "evt:L2"})
	require.NoError(t, err)

	// WHEN: a batch's second entry collides
	_, err = ledger.BatchCredit(ctx, []wallet.Entry{
		{AccountID: a, Amount: wallet.PKR(200), Type: wallet.TxCommission, Reference: "evt:L1"},
		{AccountID: b, Amount: wallet.PKR(150), Type: wallet.TxCommission, Reference: "evt:L2"},
	})

	// THEN: the error names the entry and the first credit is rolled back
	var batchErr *wallet.BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Index)
	assert.Equal(t, b, batchErr.AccountID)
	assert.ErrorIs(t, err, wallet.ErrDuplicateReference)

	accA, err := store.GetAccount(ctx, a)
	require.NoError(t, err)
	assert.True(t, accA.Balance.IsZero())
	txs, err := ledger.History(ctx, a, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestLedger_BatchCredit_UnknownAccount(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	a := newAccount(t, store)

	_, err := ledger.BatchCredit(ctx, []wallet.Entry{
		{AccountID: a, Amount: wallet.PKR(10), Type: wallet.TxCommission, Reference: "e:L1"},
		{AccountID: "ghost", Amount: wallet.PKR(10), Type: wallet.TxCommission, Reference: "e:L2"},
	})
	var batchErr *wallet.BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, wallet.AccountID("ghost"), batchErr.AccountID)
	assert.True(t, wallet.IsNotFound(err))
}

func TestLedger_BatchCredit_Empty(t *testing.T) {
	ledger, _ := newTestLedger(t)

	receipts, err := ledger.BatchCredit(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, receipts)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_ConcurrentDebits_NeverNegative(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, store)
	_, err := ledger.Credit(ctx, reward(id, 500, "seed"))
	require.NoError(t, err)

	// GIVEN: 10 concurrent 100 PKR debits against 500 PKR
	var wg sync.WaitGroup
	var ok, refused atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Debit(ctx, withdrawal(id, 100, fmt.Sprintf("w-%d", i)))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, wallet.ErrInsufficientBalance):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// THEN: exactly five succeed and the balance lands on zero
	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(5), refused.Load())
	acc, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsZero())

	rec, err := ledger.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Balanced())
}

func TestLedger_ConcurrentCredits_NoLostUpdate(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Credit(ctx, reward(id, 40, fmt.Sprintf("r-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	acc, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(wallet.PKR(1000)), "got %s", acc.Balance)
}

// =============================================================================
// RETRY
// =============================================================================

// flakyStore fails the first n transactions with a transient conflict.
type flakyStore struct {
	*sqlite.Store
	failures atomic.Int32
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(wallet.Store) error) error {
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("begin: %w", wallet.ErrConcurrentModification)
	}
	return f.Store.WithTx(ctx, fn)
}

func TestLedger_RetriesTransientConflicts(t *testing.T) {
	_, base := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, base)

	flaky := &flakyStore{Store: base}
	flaky.failures.Store(2)
	ledger := wallet.NewLedger(flaky, wallet.WithRetryPolicy(wallet.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}))

	receipt, err := ledger.Credit(ctx, reward(id, 70, "r-1"))
	require.NoError(t, err)
	assert.True(t, receipt.Balance.Equal(wallet.PKR(70)))
}

func TestLedger_ConflictAfterRetriesExhausted(t *testing.T) {
	_, base := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, base)

	flaky := &flakyStore{Store: base}
	flaky.failures.Store(10)
	ledger := wallet.NewLedger(flaky, wallet.WithRetryPolicy(wallet.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}))

	_, err := ledger.Credit(ctx, reward(id, 70, "r-1"))
	var conflict *wallet.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)
	assert.ErrorIs(t, err, wallet.ErrTransactionConflict)
	assert.False(t, wallet.IsRetryable(err))
}

func TestLedger_ClientErrorsAreNotRetried(t *testing.T) {
	_, base := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, base)

	var calls atomic.Int32
	ledger := wallet.NewLedger(base)
	err := ledger.Atomically(ctx, func(tx *wallet.Tx) error {
		calls.Add(1)
		_, err := tx.Debit(ctx, withdrawal(id, 10, "w-1"))
		return err
	})
	assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)
	assert.Equal(t, int32(1), calls.Load())
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestLedger_NotifiesAfterCommit(t *testing.T) {
	var mu sync.Mutex
	var events []wallet.Event
	notifier := wallet.NotifierFunc(func(_ context.Context, ev wallet.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})
	ledger, store := newTestLedger(t, wallet.WithNotifier(notifier))
	ctx := context.Background()
	id := newAccount(t, store)

	_, err := ledger.Credit(ctx, reward(id, 100, "r-1"))
	require.NoError(t, err)

	// A rolled back transaction publishes nothing.
	_ = ledger.Atomically(ctx, func(tx *wallet.Tx) error {
		if _, err := tx.Credit(ctx, reward(id, 5, "r-2")); err != nil {
			return err
		}
		return errors.New("abort")
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].AccountID)
	assert.Equal(t, wallet.TxTaskReward, events[0].Type)
	assert.True(t, events[0].Amount.Equal(wallet.PKR(100)))
	assert.Equal(t, "r-1", events[0].Reference)
}

func TestLedger_NotifierFailureIsSwallowed(t *testing.T) {
	notifier := wallet.NotifierFunc(func(context.Context, wallet.Event) error {
		return errors.New("sink down")
	})
	ledger, store := newTestLedger(t, wallet.WithNotifier(notifier))
	id := newAccount(t, store)

	_, err := ledger.Credit(context.Background(), reward(id, 100, "r-1"))
	assert.NoError(t, err)
}

// =============================================================================
// READ SIDE
// =============================================================================

func TestLedger_SummaryDerivesEarnings(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	id := newAccount(t, store)

	_, err := ledger.Credit(ctx, reward(id, 300, "r-1"))
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, wallet.Entry{AccountID: id, Amount: wallet.PKR(200), Type: wallet.TxCommission, Reference: "e:L1"})
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, wallet.Entry{AccountID: id, Amount: wallet.PKR(1000), Type: wallet.TxVoucherCredit, Reference: "v"})
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, withdrawal(id, 100, "w-1"))
	require.NoError(t, err)

	summary, err := ledger.Summary(ctx, id)
	require.NoError(t, err)
	assert.True(t, summary.TotalEarnings.Equal(wallet.PKR(500)), "vouchers and withdrawals are not earnings")
	assert.True(t, summary.PendingCommission.IsZero())
	assert.True(t, summary.Balance.Equal(wallet.PKR(400)))
	assert.True(t, summary.AvailableVoucherPKR.Equal(wallet.PKR(1000)))
	assert.Equal(t, 4, summary.TransactionCount)
	assert.Equal(t, 0, summary.TasksCompleted)
}

func TestLedger_ReconcileAll_FindsTamperedBalance(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	good := newAccount(t, store)
	bad := newAccount(t, store)

	_, err := ledger.Credit(ctx, reward(good, 100, "r-1"))
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, reward(bad, 100, "r-2"))
	require.NoError(t, err)

	report, err := ledger.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Accounts)
	assert.Empty(t, report.Mismatched)

	// WHEN: a balance is written outside the ledger
	require.NoError(t, store.SetBalances(ctx, bad, wallet.PKR(999), wallet.PKR(0)))

	report, err = ledger.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Mismatched, 1)
	assert.Equal(t, bad, report.Mismatched[0].AccountID)
	assert.True(t, report.Mismatched[0].LedgerCash.Equal(wallet.PKR(100)))
}

func TestParseAmount(t *testing.T) {
	d, err := wallet.ParseAmount("1500.50")
	require.NoError(t, err)
	assert.Equal(t, "1500.5", d.String())

	_, err = wallet.ParseAmount("garbage")
	assert.ErrorIs(t, err, wallet.ErrCorruptAmount)
	assert.ErrorContains(t, err, `"garbage"`)

	assert.Panics(t, func() { wallet.MustParseAmount("") })
	assert.Equal(t, "0.2", wallet.MustParseAmount("0.20").String())
}
