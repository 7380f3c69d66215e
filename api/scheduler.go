/*
scheduler.go - Automated ledger reconciliation

PURPOSE:
  Periodically audits every account: stored balances must equal the sum
  of the account's COMPLETED ledger rows, per pool. Each pass is
  recorded as an AuditRun so drift is visible after the fact.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Records running -> completed/failed runs for audit and the API
  - Mismatches are logged per account and exported as a gauge

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(ledger, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual pass)
  - wallet/ledger.go: ReconcileAll
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/wallet"
)

// ReconciliationScheduler runs ReconcileAll on a ticker.
type ReconciliationScheduler struct {
	Ledger        *wallet.Ledger
	Store         wallet.AuditStore
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(ledger *wallet.Ledger, store wallet.AuditStore, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Ledger:        ledger,
		Store:         store,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.logger.Info("reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight pass.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("reconciliation scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	rs.checkAndProcess()

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess()
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) checkAndProcess() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.CheckInterval)
	defer cancel()
	if _, err := rs.RunNow(ctx); err != nil {
		rs.logger.Error("scheduled reconciliation failed", zap.Error(err))
	}
}

// RunNow performs one audit pass and records it. Passes never overlap.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (wallet.AuditRun, error) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	run := wallet.AuditRun{
		ID:        uuid.NewString(),
		Status:    wallet.AuditRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := rs.Store.SaveAuditRun(ctx, run); err != nil {
		return run, fmt.Errorf("save audit run: %w", err)
	}

	report, err := rs.Ledger.ReconcileAll(ctx)
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = wallet.AuditFailed
		run.Error = err.Error()
		if saveErr := rs.Store.SaveAuditRun(ctx, run); saveErr != nil {
			rs.logger.Error("failed to record failed audit run", zap.Error(saveErr))
		}
		return run, err
	}

	run.Status = wallet.AuditComplete
	run.Accounts = report.Accounts
	run.Mismatches = len(report.Mismatched)
	for _, m := range report.Mismatched {
		rs.logger.Warn("balance does not match ledger",
			zap.String("account_id", string(m.AccountID)),
			zap.String("balance", m.Balance.String()),
			zap.String("ledger_cash", m.LedgerCash.String()),
			zap.String("voucher_balance", m.VoucherBalance.String()),
			zap.String("ledger_voucher", m.LedgerVoucher.String()))
	}

	if err := rs.Store.SaveAuditRun(ctx, run); err != nil {
		return run, fmt.Errorf("update audit run: %w", err)
	}

	rs.logger.Info("reconciliation completed",
		zap.String("run_id", run.ID),
		zap.Int("accounts", run.Accounts),
		zap.Int("mismatches", run.Mismatches))
	return run, nil
}
