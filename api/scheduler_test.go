package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/commission-engine/wallet"
)

func TestScheduler_RecordsMismatch(t *testing.T) {
	// GIVEN: one account whose stored balance drifted from its history
	s := newTestServer(t)
	ctx := context.Background()
	acc := s.signup(t, "")
	_, err := s.svc.Ledger.Credit(ctx, wallet.Entry{
		AccountID: wallet.AccountID(acc.ID), Amount: wallet.PKR(100), Type: wallet.TxTaskReward, Reference: "seed",
	})
	require.NoError(t, err)
	require.NoError(t, s.store.SetBalances(ctx, wallet.AccountID(acc.ID), wallet.PKR(999), wallet.PKR(0)))

	core, logs := observer.New(zapcore.WarnLevel)
	sched := NewReconciliationScheduler(s.svc.Ledger, s.store, zap.New(core))

	// WHEN: a pass runs
	run, err := sched.RunNow(ctx)

	// THEN: the run is completed with one mismatch and the account is logged
	require.NoError(t, err)
	assert.Equal(t, wallet.AuditComplete, run.Status)
	assert.Equal(t, 1, run.Mismatches)
	require.NotNil(t, run.FinishedAt)

	entries := logs.FilterMessage("balance does not match ledger").All()
	require.Len(t, entries, 1)
	assert.Equal(t, acc.ID, entries[0].ContextMap()["account_id"])

	runs, err := s.store.ListAuditRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, 1, runs[0].Mismatches)
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	s := newTestServer(t)
	sched := NewReconciliationScheduler(s.svc.Ledger, s.store, nil)
	sched.CheckInterval = time.Hour

	sched.Start()
	defer sched.Stop()

	assert.Eventually(t, func() bool {
		runs, err := s.store.ListAuditRuns(context.Background(), 10)
		return err == nil && len(runs) == 1 && runs[0].Status == wallet.AuditComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_Disabled(t *testing.T) {
	s := newTestServer(t)
	sched := NewReconciliationScheduler(s.svc.Ledger, s.store, nil)
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	runs, err := s.store.ListAuditRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
