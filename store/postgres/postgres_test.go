package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/postgres"
	"github.com/warp/commission-engine/tasks"
	"github.com/warp/commission-engine/voucher"
	"github.com/warp/commission-engine/wallet"
	"github.com/warp/commission-engine/withdrawal"
)

var (
	_ wallet.TxStore           = (*postgres.Store)(nil)
	_ wallet.CompletionCounter = (*postgres.Store)(nil)
	_ wallet.AuditStore        = (*postgres.Store)(nil)
	_ referral.DirectoryStore  = (*postgres.Store)(nil)
	_ referral.RateStore       = (*postgres.Store)(nil)
	_ referral.MembershipStore = (*postgres.Store)(nil)
	_ plans.Store              = (*postgres.Store)(nil)
	_ tasks.Store              = (*postgres.Store)(nil)
	_ tasks.CatalogStore       = (*postgres.Store)(nil)
	_ withdrawal.Store         = (*postgres.Store)(nil)
	_ withdrawal.Lister        = (*postgres.Store)(nil)
	_ voucher.Store            = (*postgres.Store)(nil)
)

// newTestStore connects to COMMISSION_ENGINE_POSTGRES_DSN and empties
// every table. The test is skipped without it.
func newTestStore(t *testing.T) *postgres.Store {
	dsn := os.Getenv("COMMISSION_ENGINE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COMMISSION_ENGINE_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgres_ConcurrentCreditsOnOneAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := referral.NewDirectory(store, nil)
	ledger := wallet.NewLedger(store, wallet.WithRetryPolicy(wallet.RetryPolicy{Attempts: 10, Backoff: 5 * time.Millisecond}))

	acc, err := dir.Signup(ctx, referral.SignupInput{})
	require.NoError(t, err)

	// GIVEN: 20 concurrent credits of 50 PKR
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Credit(ctx, wallet.Entry{
				AccountID: acc.ID, Amount: wallet.PKR(50), Type: wallet.TxTaskReward,
				Reference: fmt.Sprintf("pg-credit-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: the row lock serialized every write
	got, err := store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(wallet.PKR(1000)), "got %s", got.Balance)

	rec, err := ledger.Reconcile(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced())
}

func TestPostgres_DuplicateReference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := referral.NewDirectory(store, nil)
	ledger := wallet.NewLedger(store)

	acc, err := dir.Signup(ctx, referral.SignupInput{})
	require.NoError(t, err)

	entry := wallet.Entry{AccountID: acc.ID, Amount: wallet.PKR(1000), Type: wallet.TxVoucherCredit, Reference: "ab12"}
	_, err = ledger.Credit(ctx, entry)
	require.NoError(t, err)

	_, err = ledger.Credit(ctx, entry)
	assert.ErrorIs(t, err, wallet.ErrDuplicateReference)
}
