package referral_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	store      *sqlite.Store
	ledger     *wallet.Ledger
	directory  *referral.Directory
	tree       *referral.Tree
	enrollment *referral.Enrollment
	logs       *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	ledger := wallet.NewLedger(store)
	tree := referral.NewTree(store, logger)
	return &fixture{
		store:      store,
		ledger:     ledger,
		directory:  referral.NewDirectory(store, logger),
		tree:       tree,
		enrollment: referral.NewEnrollment(ledger, tree, plans.NewRegistry(store), store, logger),
		logs:       logs,
	}
}

func (f *fixture) signup(t *testing.T, sponsor *wallet.Account) *wallet.Account {
	in := referral.SignupInput{Country: "pk"}
	if sponsor != nil {
		in.SponsorCode = sponsor.ReferralCode
	}
	acc, err := f.directory.Signup(context.Background(), in)
	require.NoError(t, err)
	return acc
}

// line builds root -> ... -> leaf with n accounts; index 0 is the root.
func (f *fixture) line(t *testing.T, n int) []*wallet.Account {
	var out []*wallet.Account
	var sponsor *wallet.Account
	for i := 0; i < n; i++ {
		acc := f.signup(t, sponsor)
		out = append(out, acc)
		sponsor = acc
	}
	return out
}

func (f *fixture) setRates(t *testing.T, pct ...string) {
	require.NoError(t, f.store.ReplaceCommissionRates(context.Background(), rates(pct...)))
}

func (f *fixture) balance(t *testing.T, id wallet.AccountID) string {
	acc, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance.String()
}

// =============================================================================
// DIRECTORY
// =============================================================================

func TestSignup_LinksSponsor(t *testing.T) {
	f := newFixture(t)
	root := f.signup(t, nil)
	kid := f.signup(t, root)

	assert.Len(t, kid.ReferralCode, referral.ReferralCodeLength)
	assert.Equal(t, root.ReferralCode, kid.ReferredBy)
	assert.Equal(t, wallet.MembershipInactive, kid.MembershipStatus)
	assert.True(t, kid.TasksEnabled)
	assert.Equal(t, "PK", kid.Country)
}

func TestSignup_UnknownSponsorBecomesRoot(t *testing.T) {
	f := newFixture(t)

	acc, err := f.directory.Signup(context.Background(), referral.SignupInput{SponsorCode: "nobody00"})
	require.NoError(t, err)
	assert.Empty(t, acc.ReferredBy)
	assert.Equal(t, 1, f.logs.FilterMessage("unknown sponsor code at signup, creating root account").Len())
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.signup(t, nil)

	off := false
	country := " in "
	minimum := wallet.PKR(3000)
	got, err := f.directory.UpdateSettings(ctx, acc.ID, referral.Settings{
		TasksEnabled: &off, Country: &country, MinimumWithdrawal: &minimum,
	})
	require.NoError(t, err)
	assert.False(t, got.TasksEnabled)
	assert.Equal(t, "IN", got.Country)
	require.NotNil(t, got.MinimumWithdrawal)

	got, err = f.directory.UpdateSettings(ctx, acc.ID, referral.Settings{ClearMinimumWithdrawal: true})
	require.NoError(t, err)
	assert.Nil(t, got.MinimumWithdrawal)
	assert.False(t, got.TasksEnabled, "unset fields are left alone")

	negative := wallet.PKR(-1)
	_, err = f.directory.UpdateSettings(ctx, acc.ID, referral.Settings{MinimumWithdrawal: &negative})
	assert.ErrorIs(t, err, wallet.ErrInvalidAmount)
}

// =============================================================================
// TREE
// =============================================================================

func TestAncestors_CappedAtFiveLevels(t *testing.T) {
	// GIVEN: a chain seven sponsors deep
	f := newFixture(t)
	accounts := f.line(t, 8)
	leaf := accounts[7]

	chain, err := f.tree.Ancestors(context.Background(), leaf.ID)
	require.NoError(t, err)

	// THEN: exactly five ancestors, nearest first
	require.Equal(t, 5, chain.Len())
	for i, a := range chain.Ancestors {
		assert.Equal(t, i+1, a.Level)
		assert.Equal(t, accounts[6-i].ID, a.Account.ID)
	}
	assert.False(t, chain.CycleDetected)
}

func TestAncestors_Root(t *testing.T) {
	f := newFixture(t)
	root := f.signup(t, nil)

	chain, err := f.tree.Ancestors(context.Background(), root.ID)
	require.NoError(t, err)
	assert.Zero(t, chain.Len())
}

func TestAncestors_UnknownAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.tree.Ancestors(context.Background(), "ghost")
	assert.ErrorIs(t, err, wallet.ErrAccountNotFound)
}

func TestAncestors_CycleIsTruncatedAndLogged(t *testing.T) {
	// GIVEN: A sponsors B and, through a corrupted row, B sponsors A
	f := newFixture(t)
	ctx := context.Background()
	a := f.signup(t, nil)
	b := f.signup(t, a)
	require.NoError(t, f.store.SetSponsor(ctx, a.ID, b.ReferralCode))

	chain, err := f.tree.Ancestors(ctx, b.ID)

	// THEN: the walk stops at the revisit instead of looping
	require.NoError(t, err)
	assert.True(t, chain.CycleDetected)
	require.Equal(t, 1, chain.Len())
	assert.Equal(t, a.ID, chain.Ancestors[0].Account.ID)

	entries := f.logs.FilterMessage("CycleDetected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestDownline_BreadthFirst(t *testing.T) {
	f := newFixture(t)
	root := f.signup(t, nil)
	kid1 := f.signup(t, root)
	f.signup(t, root)
	grand := f.signup(t, kid1)

	nodes, err := f.tree.Downline(context.Background(), root.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, 1, nodes[0].Level)
	assert.Equal(t, 1, nodes[1].Level)
	assert.Equal(t, 2, nodes[2].Level)
	assert.Equal(t, grand.ID, nodes[2].AccountID)
	assert.Equal(t, kid1.ReferralCode, nodes[2].SponsorCode)
}

func TestDownline_CappedAtFiveLevels(t *testing.T) {
	f := newFixture(t)
	accounts := f.line(t, 8)

	nodes, err := f.tree.Downline(context.Background(), accounts[0].ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 5)
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func TestEnroll_FiveLevelPayout(t *testing.T) {
	// GIVEN: A -> B -> C -> D -> E -> F and rates 20/15/10/8/7 %
	f := newFixture(t)
	ctx := context.Background()
	accounts := f.line(t, 6)
	f.setRates(t, "0.20", "0.15", "0.10", "0.08", "0.07")

	// WHEN: F enrolls in BASIC (price 1000)
	res, err := f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: accounts[5].ID, Plan: "basic", EventID: "evt-f"})
	require.NoError(t, err)

	// THEN: E 200, D 150, C 100, B 80, A 70
	assert.Equal(t, plans.Basic, res.Plan.Name)
	assert.Len(t, res.Receipts, 5)
	assert.Equal(t, "200", f.balance(t, accounts[4].ID))
	assert.Equal(t, "150", f.balance(t, accounts[3].ID))
	assert.Equal(t, "100", f.balance(t, accounts[2].ID))
	assert.Equal(t, "80", f.balance(t, accounts[1].ID))
	assert.Equal(t, "70", f.balance(t, accounts[0].ID))
	assert.Equal(t, "0", f.balance(t, accounts[5].ID))

	enrolled, err := f.store.GetAccount(ctx, accounts[5].ID)
	require.NoError(t, err)
	assert.True(t, enrolled.IsActive())
	assert.Equal(t, plans.Basic, enrolled.MembershipPlan)

	txs, err := f.ledger.History(ctx, accounts[4].ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, referral.CommissionReference("evt-f", 1), txs[0].Reference)
	assert.Equal(t, wallet.TxCommission, txs[0].Type)

	report, err := f.ledger.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatched)
}

func TestEnroll_NoSponsor_NoCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.signup(t, nil)
	f.setRates(t, "0.15", "0.10", "0.05", "0.03", "0.02")

	res, err := f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: acc.ID, Plan: plans.Standard})
	require.NoError(t, err)

	assert.Empty(t, res.Payouts)
	assert.NotEmpty(t, res.EventID)
	got, err := f.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive())
	assert.True(t, got.AvailableVoucherPKR.IsZero(), "enrollment does not credit the plan voucher")
}

func TestEnroll_DuplicateEventRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accounts := f.line(t, 3)
	f.setRates(t, "0.20", "0.15")

	in := referral.EnrollInput{AccountID: accounts[2].ID, Plan: plans.Basic, EventID: "evt-1"}
	_, err := f.enrollment.Enroll(ctx, in)
	require.NoError(t, err)

	_, err = f.enrollment.Enroll(ctx, in)
	assert.ErrorIs(t, err, wallet.ErrDuplicateReference)

	assert.Equal(t, "200", f.balance(t, accounts[1].ID))
	assert.Equal(t, "150", f.balance(t, accounts[0].ID))
}

func TestEnroll_RepeatWithoutEventIDPaysOnce(t *testing.T) {
	// GIVEN: a member enrolled in BASIC without an event id
	f := newFixture(t)
	ctx := context.Background()
	sponsor := f.signup(t, nil)
	acc := f.signup(t, sponsor)
	f.setRates(t, "0.20")

	res, err := f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: acc.ID, Plan: plans.Basic})
	require.NoError(t, err)
	assert.Equal(t, referral.EnrollmentEventID(acc.ID, plans.Basic), res.EventID)
	require.Equal(t, "200", f.balance(t, sponsor.ID))

	// WHEN: the same enrollment is submitted again
	_, err = f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: acc.ID, Plan: "basic"})

	// THEN: it is refused and the sponsor is not paid twice
	assert.ErrorIs(t, err, referral.ErrAlreadyEnrolled)
	assert.ErrorIs(t, err, wallet.ErrDuplicateReference)
	assert.Equal(t, "200", f.balance(t, sponsor.ID))

	txs, err := f.ledger.History(ctx, sponsor.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestEnroll_ActiveOnPlanRejectsNewEventID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sponsor := f.signup(t, nil)
	acc := f.signup(t, sponsor)
	f.setRates(t, "0.20")

	_, err := f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: acc.ID, Plan: plans.Basic, EventID: "evt-1"})
	require.NoError(t, err)
	_, err = f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: acc.ID, Plan: plans.Basic, EventID: "evt-2"})

	assert.ErrorIs(t, err, referral.ErrAlreadyEnrolled)
	assert.Equal(t, "200", f.balance(t, sponsor.ID))
}

func TestEnroll_UpgradePaysAgain(t *testing.T) {
	// GIVEN: a BASIC member
	f := newFixture(t)
	ctx := context.Background()
	sponsor := f.signup(t, nil)
	acc := f.signup(t, sponsor)
	f.setRates(t, "0.10")
	_, err := f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: acc.ID, Plan: plans.Basic})
	require.NoError(t, err)

	// WHEN: upgrading to STANDARD without an event id
	res, err := f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: acc.ID, Plan: plans.Standard})

	// THEN: the upgrade is its own event and pays on the new price
	require.NoError(t, err)
	assert.Equal(t, referral.EnrollmentEventID(acc.ID, plans.Standard), res.EventID)
	assert.Equal(t, "400", f.balance(t, sponsor.ID))

	got, err := f.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, plans.Standard, got.MembershipPlan)
}

func TestEnroll_UnknownPlan(t *testing.T) {
	f := newFixture(t)
	acc := f.signup(t, nil)

	_, err := f.enrollment.Enroll(context.Background(), referral.EnrollInput{AccountID: acc.ID, Plan: "GOLD"})
	assert.ErrorIs(t, err, plans.ErrUnknownPlan)

	got, err := f.store.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())
}

func TestEnroll_RatesChangeBetweenEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.signup(t, nil)
	kid1 := f.signup(t, root)
	kid2 := f.signup(t, root)

	f.setRates(t, "0.20")
	_, err := f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: kid1.ID, Plan: plans.Basic})
	require.NoError(t, err)

	f.setRates(t, "0.10")
	_, err = f.enrollment.Enroll(ctx, referral.EnrollInput{AccountID: kid2.ID, Plan: plans.Basic})
	require.NoError(t, err)

	assert.Equal(t, "300", f.balance(t, root.ID))
}
