package referral

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/metrics"
	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/wallet"
)

// MembershipStore activates a plan inside a ledger transaction.
type MembershipStore interface {
	ActivateMembership(ctx context.Context, id wallet.AccountID, plan string) error
}

// EnrollInput is a qualifying enrollment event. EventID is the
// idempotency key for the commission batch; a retried event must reuse
// it. Empty derives the key from the account and plan, so a retry
// without one is still recognised.
type EnrollInput struct {
	AccountID wallet.AccountID
	Plan      string
	EventID   string
}

type EnrollResult struct {
	EventID  string
	Plan     plans.Plan
	Chain    Chain
	Payouts  []Payout
	Receipts []wallet.Receipt
}

// Enrollment activates memberships and pays the upline.
type Enrollment struct {
	ledger   *wallet.Ledger
	tree     *Tree
	registry *plans.Registry
	rates    RateStore
	logger   *zap.Logger
}

func NewEnrollment(ledger *wallet.Ledger, tree *Tree, registry *plans.Registry, rates RateStore, logger *zap.Logger) *Enrollment {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enrollment{ledger: ledger, tree: tree, registry: registry, rates: rates, logger: logger}
}

// ErrAlreadyEnrolled is returned when the account already holds an
// active membership on the requested plan. Nothing is credited.
var ErrAlreadyEnrolled = fmt.Errorf("%w: membership already active on plan", wallet.ErrDuplicateReference)

// EnrollmentEventID is the default event key for account joining plan.
func EnrollmentEventID(accountID wallet.AccountID, plan string) string {
	return "enroll:" + string(accountID) + ":" + plan
}

// CommissionReference is the ledger reference for one level of an event.
func CommissionReference(eventID string, level int) string {
	return eventID + ":L" + strconv.Itoa(level)
}

// Enroll resolves the plan and upline, snapshots the rates, then
// activates the membership and credits every payout in one transaction.
// A replayed EventID, or an account already active on the plan, fails
// with wallet.ErrDuplicateReference and changes nothing.
func (e *Enrollment) Enroll(ctx context.Context, in EnrollInput) (*EnrollResult, error) {
	plan, err := e.registry.Resolve(ctx, in.Plan)
	if err != nil {
		return nil, err
	}

	eventID := in.EventID
	if eventID == "" {
		eventID = EnrollmentEventID(in.AccountID, plan.Name)
	}

	chain, err := e.tree.Ancestors(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	table, err := LoadRateTable(ctx, e.rates)
	if err != nil {
		return nil, err
	}
	payouts := Calculate(plan.Price, chain, table)
	entries := commissionEntries(eventID, in.AccountID, payouts, fmt.Sprintf("%s enrollment", plan.Name))

	var receipts []wallet.Receipt
	err = e.ledger.Atomically(ctx, func(tx *wallet.Tx) error {
		store, ok := tx.Store().(MembershipStore)
		if !ok {
			return wallet.ErrStoreRequired
		}
		acc, err := tx.Store().LockAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if acc.IsActive() && acc.MembershipPlan == plan.Name {
			return fmt.Errorf("%w: %s", ErrAlreadyEnrolled, plan.Name)
		}
		if err := store.ActivateMembership(ctx, in.AccountID, plan.Name); err != nil {
			return fmt.Errorf("activate membership: %w", err)
		}
		if len(entries) == 0 {
			receipts = nil
			return nil
		}
		receipts, err = tx.BatchCredit(ctx, entries)
		return err
	})
	if err != nil {
		return nil, err
	}

	RecordPaid(payouts)
	e.logger.Info("enrollment processed",
		zap.String("account_id", string(in.AccountID)),
		zap.String("plan", plan.Name),
		zap.String("event_id", eventID),
		zap.Int("ancestors", chain.Len()),
		zap.String("commission_total", Total(payouts).String()))

	return &EnrollResult{
		EventID:  eventID,
		Plan:     plan,
		Chain:    chain,
		Payouts:  payouts,
		Receipts: receipts,
	}, nil
}

// Upline computes commission on base for the source account's upline.
// Call it before opening a transaction; the result is applied with
// CreditUpline.
func (e *Enrollment) Upline(ctx context.Context, source wallet.AccountID, base decimal.Decimal) ([]Payout, error) {
	chain, err := e.tree.Ancestors(ctx, source)
	if err != nil {
		return nil, err
	}
	table, err := LoadRateTable(ctx, e.rates)
	if err != nil {
		return nil, err
	}
	return Calculate(base, chain, table), nil
}

// CreditUpline credits payouts inside an open transaction.
func CreditUpline(ctx context.Context, tx *wallet.Tx, eventID string, source wallet.AccountID, payouts []Payout, what string) error {
	if len(payouts) == 0 {
		return nil
	}
	_, err := tx.BatchCredit(ctx, commissionEntries(eventID, source, payouts, what))
	return err
}

func commissionEntries(eventID string, source wallet.AccountID, payouts []Payout, what string) []wallet.Entry {
	entries := make([]wallet.Entry, 0, len(payouts))
	for _, p := range payouts {
		entries = append(entries, wallet.Entry{
			AccountID:   p.AccountID,
			Amount:      p.Amount,
			Type:        wallet.TxCommission,
			Reference:   CommissionReference(eventID, p.Level),
			Description: fmt.Sprintf("Level %d commission: %s by %s", p.Level, what, source),
		})
	}
	return entries
}

// RecordPaid adds committed payouts to the commission metric.
func RecordPaid(payouts []Payout) {
	for _, p := range payouts {
		metrics.CommissionPaid.WithLabelValues(strconv.Itoa(p.Level)).Add(p.Amount.InexactFloat64())
	}
}
