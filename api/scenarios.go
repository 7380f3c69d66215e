/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates the database with small, fully worked cases. Every scenario
  goes through the services (signup, enrollment, tasks, withdrawals,
  vouchers) rather than writing rows, so loading one exercises the same
  paths production traffic does, and reports what happened.

AVAILABLE SCENARIOS:
  root-voucher:     Root member enrolls, nobody is paid; a 1000 PKR
                    voucher lands in the voucher pool
  five-levels:      A -> B -> C -> D -> E -> F, F enrolls in BASIC,
                    E..A earn 200/150/100/80/70
  withdrawal-floor: 1500 PKR of commission against a 2000 minimum;
                    1800 and 2500 are both refused
  demo-tree:        A three-level tree with enrollments, tasks and a
                    pending withdrawal for exploring the API

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Write the commission rate table
 3. Sign up accounts under their sponsors
 4. Drive enrollments, tasks, withdrawals and vouchers
 5. Check the outcome and fail loudly if it differs

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "five-levels"}

USAGE VIA CLI:
	commission-engine scenario five-levels

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Router handlers
  - cli/scenario.go: CLI entry point
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/wallet"
	"github.com/warp/commission-engine/withdrawal"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "root-voucher",
		Name:        "Root Member + Voucher",
		Description: "No sponsor, STANDARD enrollment pays no commission; a 1000 PKR voucher is redeemed",
	},
	{
		ID:          "five-levels",
		Name:        "Five-Level Payout",
		Description: "F enrolls in BASIC under a five-deep upline with rates 20/15/10/8/7 %",
	},
	{
		ID:          "withdrawal-floor",
		Name:        "Withdrawal Minimum",
		Description: "1500 PKR balance against a 2000 minimum: 1800 and 2500 are refused",
	},
	{
		ID:          "demo-tree",
		Name:        "Demo Tree",
		Description: "Three-level tree with enrollments, task rewards, a voucher and a pending withdrawal",
	},
}

// Scenarios lists the available scenarios.
func Scenarios() []ScenarioDTO {
	out := make([]ScenarioDTO, len(scenarios))
	copy(out, scenarios)
	return out
}

// ErrUnknownScenario is returned for an id not in Scenarios.
var ErrUnknownScenario = errors.New("unknown scenario")

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios())
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.Services.LoadScenario(r.Context(), strings.TrimSpace(req.ScenarioID))
	if errors.Is(err, ErrUnknownScenario) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	}
	if err != nil {
		h.currentScenario = ""
		h.writeServiceError(w, r, err)
		return
	}
	h.currentScenario = result.Scenario.ID
	h.logger.Info("scenario loaded", zap.String("scenario", result.Scenario.ID), zap.Int("accounts", len(result.Accounts)))
	writeJSON(w, http.StatusOK, result)
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// LOADERS
// =============================================================================

// LoadScenario resets the store and runs scenario id.
func (s Services) LoadScenario(ctx context.Context, id string) (*ScenarioResultDTO, error) {
	var def *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == id {
			def = &scenarios[i]
		}
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}

	if err := s.Store.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset store: %w", err)
	}

	b := &scenarioBuilder{svc: s, ctx: ctx, result: &ScenarioResultDTO{Scenario: *def, Accounts: map[string]string{}}}
	var err error
	switch id {
	case "root-voucher":
		err = b.rootVoucher()
	case "five-levels":
		err = b.fiveLevels()
	case "withdrawal-floor":
		err = b.withdrawalFloor()
	case "demo-tree":
		err = b.demoTree()
	}
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}
	return b.result, nil
}

type scenarioBuilder struct {
	svc    Services
	ctx    context.Context
	result *ScenarioResultDTO
}

func (b *scenarioBuilder) note(format string, args ...any) {
	b.result.Outcomes = append(b.result.Outcomes, fmt.Sprintf(format, args...))
}

func (b *scenarioBuilder) rates(pct ...string) error {
	rows := make([]referral.CommissionLevelRate, len(pct))
	for i, p := range pct {
		rows[i] = referral.CommissionLevelRate{Level: i + 1, Rate: wallet.MustParseAmount(p), IsActive: true}
	}
	if err := referral.ValidateRates(rows); err != nil {
		return err
	}
	return b.svc.Store.ReplaceCommissionRates(b.ctx, rows)
}

func (b *scenarioBuilder) signup(name string, sponsor *wallet.Account) (*wallet.Account, error) {
	in := referral.SignupInput{Country: "PK"}
	if sponsor != nil {
		in.SponsorCode = sponsor.ReferralCode
	}
	acc, err := b.svc.Directory.Signup(b.ctx, in)
	if err != nil {
		return nil, fmt.Errorf("signup %s: %w", name, err)
	}
	b.result.Accounts[name] = string(acc.ID)
	return acc, nil
}

func (b *scenarioBuilder) enroll(name string, acc *wallet.Account, plan string) (*referral.EnrollResult, error) {
	res, err := b.svc.Enrollment.Enroll(b.ctx, referral.EnrollInput{AccountID: acc.ID, Plan: plan, EventID: "enroll-" + name})
	if err != nil {
		return nil, fmt.Errorf("enroll %s: %w", name, err)
	}
	b.note("%s enrolled in %s (%s PKR): %d commission payouts totalling %s PKR",
		name, res.Plan.Name, res.Plan.Price, len(res.Payouts), referral.Total(res.Payouts))
	return res, nil
}

// earn runs one task from start to approval for acc.
func (b *scenarioBuilder) earn(name string, acc *wallet.Account, title string, reward int64) error {
	task, err := b.svc.Tasks.CreateTask(b.ctx, title, wallet.PKR(reward))
	if err != nil {
		return err
	}
	c, err := b.svc.Tasks.Start(b.ctx, acc.ID, task.ID)
	if err != nil {
		return fmt.Errorf("start task for %s: %w", name, err)
	}
	if _, err := b.svc.Tasks.Approve(b.ctx, c.ID); err != nil {
		return fmt.Errorf("approve task for %s: %w", name, err)
	}
	b.note("%s completed %q for %d PKR", name, title, reward)
	return nil
}

func (b *scenarioBuilder) expectBalance(name string, id wallet.AccountID, want int64) error {
	acc, err := b.svc.Ledger.Store().GetAccount(b.ctx, id)
	if err != nil {
		return err
	}
	if !acc.Balance.Equal(wallet.PKR(want)) {
		return fmt.Errorf("%s: balance %s, want %d", name, acc.Balance, want)
	}
	b.note("%s balance %s PKR", name, acc.Balance)
	return nil
}

func newVoucherCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// rootVoucher: a member with no sponsor enrolls in STANDARD and then
// redeems a 1000 PKR voucher.
func (b *scenarioBuilder) rootVoucher() error {
	if err := b.rates("0.15", "0.10", "0.05", "0.03", "0.02"); err != nil {
		return err
	}
	root, err := b.signup("root", nil)
	if err != nil {
		return err
	}
	res, err := b.enroll("root", root, plans.Standard)
	if err != nil {
		return err
	}
	if len(res.Payouts) != 0 {
		return fmt.Errorf("root enrollment paid %d commissions, want 0", len(res.Payouts))
	}

	code := newVoucherCode()
	if _, err := b.svc.Vouchers.Provision(b.ctx, code, wallet.PKR(1000)); err != nil {
		return err
	}
	receipt, err := b.svc.Vouchers.Redeem(b.ctx, root.ID, code)
	if err != nil {
		return err
	}
	if !receipt.VoucherBalance.Equal(wallet.PKR(1000)) {
		return fmt.Errorf("voucher pool %s, want 1000", receipt.VoucherBalance)
	}
	b.note("root redeemed voucher %s...: voucher pool %s PKR", code[:6], receipt.VoucherBalance)

	_, err = b.svc.Vouchers.Redeem(b.ctx, root.ID, code)
	if !errors.Is(err, wallet.ErrDuplicateReference) {
		return fmt.Errorf("second redemption: got %v, want duplicate reference", err)
	}
	b.note("second redemption refused: %v", err)
	return b.expectBalance("root", root.ID, 0)
}

// fiveLevels: F enrolls under a five-deep upline.
func (b *scenarioBuilder) fiveLevels() error {
	if err := b.rates("0.20", "0.15", "0.10", "0.08", "0.07"); err != nil {
		return err
	}
	names := []string{"A", "B", "C", "D", "E", "F"}
	accounts := make([]*wallet.Account, len(names))
	var sponsor *wallet.Account
	for i, name := range names {
		acc, err := b.signup(name, sponsor)
		if err != nil {
			return err
		}
		accounts[i] = acc
		sponsor = acc
	}

	if _, err := b.enroll("F", accounts[5], plans.Basic); err != nil {
		return err
	}

	want := []int64{70, 80, 100, 150, 200, 0}
	for i, name := range names {
		if err := b.expectBalance(name, accounts[i].ID, want[i]); err != nil {
			return err
		}
	}
	return nil
}

// withdrawalFloor: a BASIC member earns 1500 PKR from one STANDARD
// recruit at 50%, against a 2000 minimum.
func (b *scenarioBuilder) withdrawalFloor() error {
	if err := b.rates("0.50"); err != nil {
		return err
	}
	acc, err := b.signup("member", nil)
	if err != nil {
		return err
	}
	if _, err := b.enroll("member", acc, plans.Basic); err != nil {
		return err
	}
	recruit, err := b.signup("recruit", acc)
	if err != nil {
		return err
	}
	if _, err := b.enroll("recruit", recruit, plans.Standard); err != nil {
		return err
	}
	if err := b.expectBalance("member", acc.ID, 1500); err != nil {
		return err
	}

	_, err = b.svc.Withdrawals.Request(b.ctx, withdrawal.Input{AccountID: acc.ID, Amount: wallet.PKR(1800), PaymentMethod: "easypaisa"})
	if !errors.Is(err, withdrawal.ErrBelowMinimum) {
		return fmt.Errorf("1800 withdrawal: got %v, want below minimum", err)
	}
	b.note("1800 PKR refused: %v", err)

	_, err = b.svc.Withdrawals.Request(b.ctx, withdrawal.Input{AccountID: acc.ID, Amount: wallet.PKR(2500), PaymentMethod: "easypaisa"})
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		return fmt.Errorf("2500 withdrawal: got %v, want insufficient balance", err)
	}
	b.note("2500 PKR refused: %v", err)
	return b.expectBalance("member", acc.ID, 1500)
}

// demoTree: a browsable tree with a bit of everything.
func (b *scenarioBuilder) demoTree() error {
	if err := b.rates("0.20", "0.15", "0.10", "0.08", "0.07"); err != nil {
		return err
	}

	ceo, err := b.signup("ceo", nil)
	if err != nil {
		return err
	}
	if _, err := b.enroll("ceo", ceo, plans.Basic); err != nil {
		return err
	}

	var leads []*wallet.Account
	for i, plan := range []string{plans.Standard, plans.Basic, plans.Premium} {
		name := fmt.Sprintf("lead-%d", i+1)
		lead, err := b.signup(name, ceo)
		if err != nil {
			return err
		}
		if _, err := b.enroll(name, lead, plan); err != nil {
			return err
		}
		leads = append(leads, lead)
	}

	for i, lead := range leads {
		for j := 0; j < 2; j++ {
			name := fmt.Sprintf("member-%d-%d", i+1, j+1)
			m, err := b.signup(name, lead)
			if err != nil {
				return err
			}
			if j == 0 {
				if _, err := b.enroll(name, m, plans.Basic); err != nil {
					return err
				}
				if err := b.earn(name, m, "Watch product video", 50); err != nil {
					return err
				}
			}
		}
	}

	if err := b.earn("lead-3", leads[2], "Write a review", 400); err != nil {
		return err
	}

	code := newVoucherCode()
	if _, err := b.svc.Vouchers.Provision(b.ctx, code, wallet.PKR(500)); err != nil {
		return err
	}
	if _, err := b.svc.Vouchers.Redeem(b.ctx, leads[0].ID, code); err != nil {
		return err
	}
	b.note("lead-1 redeemed a 500 PKR voucher")

	req, err := b.svc.Withdrawals.Request(b.ctx, withdrawal.Input{
		AccountID: ceo.ID, Amount: wallet.PKR(2000), PaymentMethod: "bank", PaymentDetails: "PK00DEMO0000000000000000",
	})
	if err != nil {
		return fmt.Errorf("ceo withdrawal: %w", err)
	}
	b.note("ceo requested a 2000 PKR withdrawal (%s, pending)", req.ID)

	report, err := b.svc.Ledger.ReconcileAll(b.ctx)
	if err != nil {
		return err
	}
	if len(report.Mismatched) > 0 {
		return fmt.Errorf("%d accounts do not reconcile", len(report.Mismatched))
	}
	b.note("%d accounts reconcile", report.Accounts)
	return nil
}
