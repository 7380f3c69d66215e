/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Account signup, summary, settings and tree endpoints
- Enrollment payouts and duplicate events
- Task, withdrawal and voucher flows end to end
- Error mapping to status codes
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/tasks"
	"github.com/warp/commission-engine/voucher"
	"github.com/warp/commission-engine/wallet"
	"github.com/warp/commission-engine/withdrawal"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	store   *sqlite.Store
	svc     Services
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := wallet.NewLedger(store)
	svc := NewServices(store, ledger, Options{})
	h := NewHandler(svc, nil)
	h.Auditor = NewReconciliationScheduler(ledger, store, nil)
	return &testServer{store: store, svc: svc, handler: h, router: NewRouter(h, RouterConfig{})}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) signup(t *testing.T, sponsor string) AccountDTO {
	rec := s.do(t, http.MethodPost, "/api/accounts", SignupRequest{SponsorCode: sponsor, Country: "pk"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[AccountDTO](t, rec)
}

func (s *testServer) enroll(t *testing.T, id, plan string) *httptest.ResponseRecorder {
	return s.do(t, http.MethodPost, "/api/accounts/"+id+"/enrollments", EnrollRequest{Plan: plan})
}

func (s *testServer) account(t *testing.T, id string) AccountDTO {
	rec := s.do(t, http.MethodGet, "/api/accounts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[AccountDTO](t, rec)
}

func (s *testServer) putRates(t *testing.T, pct ...string) {
	rows := make([]RateDTO, len(pct))
	for i, p := range pct {
		rows[i] = RateDTO{Level: i + 1, Rate: wallet.MustParseAmount(p), IsActive: true}
	}
	rec := s.do(t, http.MethodPut, "/api/admin/commission-rates", rows)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestSignupAndSummary(t *testing.T) {
	s := newTestServer(t)
	sponsor := s.signup(t, "")
	kid := s.signup(t, strings.ToLower(sponsor.ReferralCode))

	assert.Equal(t, sponsor.ReferralCode, kid.ReferredBy)
	assert.Equal(t, "PK", kid.Country)
	assert.Equal(t, string(wallet.MembershipInactive), kid.MembershipStatus)

	got := s.account(t, kid.ID)
	assert.Equal(t, kid.ID, got.ID)
	require.NotNil(t, got.TransactionCount)
	assert.Zero(t, *got.TransactionCount)

	list := decode[[]AccountDTO](t, s.do(t, http.MethodGet, "/api/accounts", nil))
	assert.Len(t, list, 2)
}

func TestGetAccount_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/accounts/ghost", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestUpdateSettings(t *testing.T) {
	s := newTestServer(t)
	acc := s.signup(t, "")

	rec := s.do(t, http.MethodPatch, "/api/accounts/"+acc.ID+"/settings",
		map[string]any{"tasks_enabled": false, "minimum_withdrawal": "3500"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[AccountDTO](t, rec)
	assert.False(t, got.TasksEnabled)
	require.NotNil(t, got.MinimumWithdrawal)
	assert.Equal(t, "3500", got.MinimumWithdrawal.String())

	rec = s.do(t, http.MethodPatch, "/api/accounts/"+acc.ID+"/settings", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "body is required")
}

func TestUplineAndDownline(t *testing.T) {
	s := newTestServer(t)
	a := s.signup(t, "")
	b := s.signup(t, a.ReferralCode)
	c := s.signup(t, b.ReferralCode)

	up := decode[UplineDTO](t, s.do(t, http.MethodGet, "/api/accounts/"+c.ID+"/upline", nil))
	require.Len(t, up.Ancestors, 2)
	assert.Equal(t, b.ID, up.Ancestors[0].AccountID)
	assert.Equal(t, a.ID, up.Ancestors[1].AccountID)

	down := decode[[]NodeDTO](t, s.do(t, http.MethodGet, "/api/accounts/"+a.ID+"/downline", nil))
	require.Len(t, down, 2)
	assert.Equal(t, 2, down[1].Level)
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func TestEnroll_PaysUpline(t *testing.T) {
	// GIVEN: A -> B -> C with rates 20/15 %
	s := newTestServer(t)
	s.putRates(t, "0.20", "0.15")
	a := s.signup(t, "")
	b := s.signup(t, a.ReferralCode)
	c := s.signup(t, b.ReferralCode)

	// WHEN: C enrolls in BASIC
	rec := s.do(t, http.MethodPost, "/api/accounts/"+c.ID+"/enrollments", EnrollRequest{Plan: "basic", EventID: "evt-c"})

	// THEN: B earns 200 and A 150
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[EnrollmentDTO](t, rec)
	assert.Equal(t, plans.Basic, res.Plan)
	assert.Equal(t, "350", res.TotalPaid.String())
	require.Len(t, res.Payouts, 2)

	bAcc := s.account(t, b.ID)
	assert.Equal(t, "200", bAcc.Balance.String())
	assert.Equal(t, "200", bAcc.TotalEarnings.String())
	assert.Equal(t, "150", s.account(t, a.ID).Balance.String())
	assert.Equal(t, string(wallet.MembershipActive), s.account(t, c.ID).MembershipStatus)

	// AND: replaying the event is refused without paying again
	rec = s.do(t, http.MethodPost, "/api/accounts/"+c.ID+"/enrollments", EnrollRequest{Plan: "basic", EventID: "evt-c"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_reference", decode[ErrorResponse](t, rec).Code)
	assert.Equal(t, "200", s.account(t, b.ID).Balance.String())

	txs := decode[[]TransactionDTO](t, s.do(t, http.MethodGet, "/api/accounts/"+b.ID+"/transactions?limit=10", nil))
	require.Len(t, txs, 1)
	assert.Equal(t, string(wallet.TxCommission), txs[0].Type)
}

func TestEnroll_UnknownPlan(t *testing.T) {
	s := newTestServer(t)
	acc := s.signup(t, "")

	rec := s.enroll(t, acc.ID, "GOLD")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_plan", decode[ErrorResponse](t, rec).Code)
}

func TestPutCommissionRates_Invalid(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/admin/commission-rates", []RateDTO{{Level: 6, Rate: wallet.MustParseAmount("0.1")}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rates := decode[[]RateDTO](t, s.do(t, http.MethodGet, "/api/admin/commission-rates", nil))
	assert.Empty(t, rates)
}

func TestPlans_SaveOverridesDefault(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/admin/plans", PlanDTO{
		Name: "basic", Price: wallet.PKR(1200), DailyTaskEarning: wallet.PKR(60), TasksPerDay: 3,
		MinimumWithdrawal: wallet.PKR(2500), VoucherAmount: wallet.PKR(500), IsActive: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := decode[[]PlanDTO](t, s.do(t, http.MethodGet, "/api/admin/plans", nil))
	require.Len(t, list, 3)
	assert.Equal(t, plans.Basic, list[0].Name)
	assert.Equal(t, "1200", list[0].Price.String())
}

// =============================================================================
// TASKS / WITHDRAWALS / VOUCHERS
// =============================================================================

func TestTaskFlow(t *testing.T) {
	s := newTestServer(t)
	acc := s.signup(t, "")
	require.Equal(t, http.StatusCreated, s.enroll(t, acc.ID, plans.Basic).Code)

	rec := s.do(t, http.MethodPost, "/api/admin/tasks", CreateTaskRequest{Title: "Watch video", Reward: wallet.PKR(50)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[TaskDTO](t, rec)

	catalog := decode[[]TaskDTO](t, s.do(t, http.MethodGet, "/api/tasks", nil))
	require.Len(t, catalog, 1)

	rec = s.do(t, http.MethodPost, "/api/accounts/"+acc.ID+"/tasks/"+task.ID+"/start", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c := decode[CompletionDTO](t, rec)
	assert.Equal(t, string(tasks.StatusInProgress), c.Status)

	rec = s.do(t, http.MethodPost, "/api/completions/"+c.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[CompletionDTO](t, rec)
	require.NotNil(t, approved.Receipt)
	assert.Equal(t, "50", approved.Receipt.Balance.String())

	rec = s.do(t, http.MethodPost, "/api/completions/"+c.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Code)

	got := s.account(t, acc.ID)
	assert.Equal(t, "50", got.Balance.String())
	assert.Equal(t, 1, got.TasksCompleted)
}

func TestTaskStart_InactiveMembership(t *testing.T) {
	s := newTestServer(t)
	acc := s.signup(t, "")
	task := decode[TaskDTO](t, s.do(t, http.MethodPost, "/api/admin/tasks", CreateTaskRequest{Title: "Share", Reward: wallet.PKR(10)}))

	rec := s.do(t, http.MethodPost, "/api/accounts/"+acc.ID+"/tasks/"+task.ID+"/start", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "task_not_allowed", decode[ErrorResponse](t, rec).Code)
}

func TestWithdrawalFlow(t *testing.T) {
	s := newTestServer(t)
	acc := s.signup(t, "")
	_, err := s.svc.Ledger.Credit(context.Background(), wallet.Entry{
		AccountID: wallet.AccountID(acc.ID), Amount: wallet.PKR(1500), Type: wallet.TxTaskReward, Reference: "seed",
	})
	require.NoError(t, err)
	path := "/api/accounts/" + acc.ID + "/withdrawals"

	// Below the 2000 minimum
	rec := s.do(t, http.MethodPost, path, map[string]any{"amount": 1800, "payment_method": "easypaisa"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "below_minimum", errResp.Code)
	assert.Equal(t, map[string]any{"minimum": "2000", "amount": "1800"}, errResp.Details)

	// Above the balance
	rec = s.do(t, http.MethodPost, path, map[string]any{"amount": "2500", "payment_method": "easypaisa"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "insufficient_balance", decode[ErrorResponse](t, rec).Code)

	// Lower the floor and withdraw, then reject for a refund
	rec = s.do(t, http.MethodPatch, "/api/accounts/"+acc.ID+"/settings", map[string]any{"minimum_withdrawal": "1000"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, path, map[string]any{"amount": "1200", "payment_method": "bank"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[WithdrawalDTO](t, rec)
	assert.Equal(t, string(withdrawal.StatusPending), req.Status)
	assert.Equal(t, "300", s.account(t, acc.ID).Balance.String())

	rec = s.do(t, http.MethodPost, "/api/withdrawals/"+req.ID+"/reject", DecisionRequest{Reason: "name mismatch"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1500", s.account(t, acc.ID).Balance.String())

	rec = s.do(t, http.MethodPost, "/api/withdrawals/"+req.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	list := decode[[]WithdrawalDTO](t, s.do(t, http.MethodGet, path, nil))
	require.Len(t, list, 1)
	assert.Equal(t, string(withdrawal.StatusRejected), list[0].Status)
}

func TestVoucherFlow(t *testing.T) {
	s := newTestServer(t)
	acc := s.signup(t, "")
	other := s.signup(t, "")
	code := strings.Repeat("ab", 16)

	rec := s.do(t, http.MethodPost, "/api/admin/vouchers", ProvisionVoucherRequest{Code: code, Amount: wallet.PKR(1000)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/accounts/"+acc.ID+"/vouchers/redeem", RedeemRequest{Code: code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1000", decode[ReceiptDTO](t, rec).VoucherBalance.String())

	rec = s.do(t, http.MethodPost, "/api/accounts/"+other.ID+"/vouchers/redeem", RedeemRequest{Code: code})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/accounts/"+acc.ID+"/vouchers/redeem", RedeemRequest{Code: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_voucher", decode[ErrorResponse](t, rec).Code)

	got := s.account(t, acc.ID)
	assert.Equal(t, "1000", got.AvailableVoucherPKR.String())
	assert.True(t, got.Balance.IsZero())
}

func TestConfigVouchersServedBeforeStore(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	code := strings.Repeat("cd", 16)
	svc := NewServices(store, wallet.NewLedger(store), Options{Vouchers: map[string]decimal.Decimal{code: wallet.PKR(700)}})

	acc, err := svc.Directory.Signup(context.Background(), referral.SignupInput{})
	require.NoError(t, err)
	receipt, err := svc.Vouchers.Redeem(context.Background(), acc.ID, code)
	require.NoError(t, err)
	assert.Equal(t, "700", receipt.VoucherBalance.String())
}

// =============================================================================
// PLUMBING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", wallet.ErrAccountNotFound, http.StatusNotFound},
		{"duplicate", &wallet.DuplicateReferenceError{Type: wallet.TxVoucherCredit, Reference: "x"}, http.StatusConflict},
		{"transition", &tasks.TransitionError{From: tasks.StatusCompleted, To: tasks.StatusInProgress}, http.StatusConflict},
		{"conflict after retries", &wallet.ConflictError{Attempts: 3, Err: wallet.ErrConcurrentModification}, http.StatusServiceUnavailable},
		{"insufficient", &wallet.InsufficientBalanceError{Pool: wallet.PoolCash}, http.StatusBadRequest},
		{"below minimum", &withdrawal.BelowMinimumError{}, http.StatusBadRequest},
		{"daily limit", &tasks.DailyLimitError{Completed: 5, Limit: 5}, http.StatusBadRequest},
		{"daily earning", &tasks.DailyEarningLimitError{Limit: wallet.PKR(50)}, http.StatusBadRequest},
		{"already enrolled", fmt.Errorf("%w: BASIC", referral.ErrAlreadyEnrolled), http.StatusConflict},
		{"corrupt amount", fmt.Errorf("account a: %w", wallet.ErrCorruptAmount), http.StatusInternalServerError},
		{"voucher", voucher.ErrUnknownCode, http.StatusBadRequest},
		{"payment method", withdrawal.ErrPaymentMethodRequired, http.StatusBadRequest},
		{"wrapped unknown plan", fmt.Errorf("enroll: %w", plans.ErrUnknownPlan), http.StatusBadRequest},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestReconciliationEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.signup(t, "")

	rec := s.do(t, http.MethodPost, "/api/admin/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[AuditRunDTO](t, rec)
	assert.Equal(t, string(wallet.AuditComplete), run.Status)
	assert.Equal(t, 1, run.Accounts)

	runs := decode[[]AuditRunDTO](t, s.do(t, http.MethodGet, "/api/admin/reconciliation/runs", nil))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}
