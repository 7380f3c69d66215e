/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes accounts, the referral tree, enrollment, tasks, withdrawals
  and vouchers via REST. Handles HTTP request/response and JSON, and
  delegates to the services. No business rule lives here.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                         Signup
    GET    /api/accounts                         List
    GET    /api/accounts/{id}                    Summary
    PATCH  /api/accounts/{id}/settings           Settings
    GET    /api/accounts/{id}/transactions       History
    GET    /api/accounts/{id}/upline             Ancestors (5 levels)
    GET    /api/accounts/{id}/downline           Descendants (5 levels)
    GET    /api/accounts/{id}/reconciliation     Reconcile one account

  Money movement:
    POST   /api/accounts/{id}/enrollments        Enroll + pay commissions
    POST   /api/accounts/{id}/tasks/{taskID}/start
    POST   /api/completions/{id}/approve|reject|fail
    POST   /api/accounts/{id}/withdrawals
    POST   /api/withdrawals/{id}/approve|reject
    POST   /api/accounts/{id}/vouchers/redeem

  Admin:
    GET/PUT /api/admin/commission-rates
    GET/PUT /api/admin/plans
    POST    /api/admin/tasks
    POST    /api/admin/vouchers
    POST    /api/admin/reconciliation, GET /api/admin/reconciliation/runs

ERROR HANDLING:
  writeServiceError maps sentinels to status codes:
  - 400: validation, business-rule refusals, insufficient balance
  - 404: unknown account, task, completion, request
  - 409: duplicate reference, invalid transition
  - 503: transaction conflict after retries

SECURITY NOTE:
  No authentication. Admin routes are as open as the rest.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/tasks"
	"github.com/warp/commission-engine/voucher"
	"github.com/warp/commission-engine/wallet"
	"github.com/warp/commission-engine/withdrawal"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services
	Auditor *ReconciliationScheduler

	logger *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over svc.
func NewHandler(svc Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Services: svc, logger: logger}
}

func accountID(r *http.Request) wallet.AccountID {
	return wallet.AccountID(chi.URLParam(r, "id"))
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// Signup creates an account.
// POST /api/accounts
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acc, err := h.Directory.Signup(r.Context(), referral.SignupInput{SponsorCode: req.SponsorCode, Country: req.Country})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(*acc))
}

// ListAccounts returns all accounts.
// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Directory.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccount returns the account summary with derived totals.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Ledger.Summary(r.Context(), accountID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// UpdateSettings changes tasksEnabled, country or the minimum override.
// PATCH /api/accounts/{id}/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acc, err := h.Directory.UpdateSettings(r.Context(), accountID(r), referral.Settings{
		TasksEnabled:           req.TasksEnabled,
		Country:                req.Country,
		MinimumWithdrawal:      req.MinimumWithdrawal,
		ClearMinimumWithdrawal: req.ClearMinimumWithdrawal,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acc))
}

// GetTransactions returns ledger history, newest first.
// GET /api/accounts/{id}/transactions?limit=50
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	txs, err := h.Ledger.History(r.Context(), accountID(r), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetUpline returns up to five ancestors.
// GET /api/accounts/{id}/upline
func (h *Handler) GetUpline(w http.ResponseWriter, r *http.Request) {
	chain, err := h.Tree.Ancestors(r.Context(), accountID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUplineDTO(chain))
}

// GetDownline returns descendants down to level five.
// GET /api/accounts/{id}/downline
func (h *Handler) GetDownline(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.Tree.Downline(r.Context(), accountID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNodeDTOs(nodes))
}

// GetReconciliation compares the account's balances with its history.
// GET /api/accounts/{id}/reconciliation
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.Reconcile(r.Context(), accountID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// =============================================================================
// ENROLLMENT
// =============================================================================

// Enroll activates a plan and pays the upline.
// POST /api/accounts/{id}/enrollments
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Enrollment.Enroll(r.Context(), referral.EnrollInput{
		AccountID: accountID(r),
		Plan:      req.Plan,
		EventID:   req.EventID,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EnrollmentDTO{
		EventID:       res.EventID,
		Plan:          res.Plan.Name,
		Price:         res.Plan.Price,
		Payouts:       toPayoutDTOs(res.Payouts),
		TotalPaid:     referral.Total(res.Payouts),
		CycleDetected: res.Chain.CycleDetected,
	})
}

// =============================================================================
// TASKS
// =============================================================================

// ListTasks returns the catalog. ?all=true includes inactive tasks.
// GET /api/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	list, err := h.Tasks.ListTasks(r.Context(), !all)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]TaskDTO, len(list))
	for i, t := range list {
		dtos[i] = toTaskDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTask adds a catalog entry.
// POST /api/admin/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	task, err := h.Tasks.CreateTask(r.Context(), req.Title, req.Reward)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(*task))
}

// ListCompletions returns an account's task progress.
// GET /api/accounts/{id}/completions
func (h *Handler) ListCompletions(w http.ResponseWriter, r *http.Request) {
	list, err := h.Tasks.Completions(r.Context(), accountID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]CompletionDTO, len(list))
	for i, c := range list {
		dtos[i] = toCompletionDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// StartTask moves the account's completion to IN_PROGRESS.
// POST /api/accounts/{id}/tasks/{taskID}/start
func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	c, err := h.Tasks.Start(r.Context(), accountID(r), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCompletionDTO(*c))
}

// ApproveCompletion credits the reward.
// POST /api/completions/{id}/approve
func (h *Handler) ApproveCompletion(w http.ResponseWriter, r *http.Request) {
	res, err := h.Tasks.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dto := toCompletionDTO(res.Completion)
	receipt := toReceiptDTO(res.Receipt)
	dto.Receipt = &receipt
	dto.Payouts = toPayoutDTOs(res.Payouts)
	writeJSON(w, http.StatusOK, dto)
}

// RejectCompletion ends the task without reward.
// POST /api/completions/{id}/reject
func (h *Handler) RejectCompletion(w http.ResponseWriter, r *http.Request) {
	h.decideCompletion(w, r, h.Tasks.Reject)
}

// FailCompletion marks the task failed; it can be restarted.
// POST /api/completions/{id}/fail
func (h *Handler) FailCompletion(w http.ResponseWriter, r *http.Request) {
	h.decideCompletion(w, r, h.Tasks.Fail)
}

func (h *Handler) decideCompletion(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, id, reason string) (*tasks.Completion, error)) {
	var req DecisionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	c, err := decide(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompletionDTO(*c))
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// RequestWithdrawal debits the cash pool and records a PENDING request.
// POST /api/accounts/{id}/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequestDTO
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	out, err := h.Withdrawals.Request(r.Context(), withdrawal.Input{
		AccountID:      accountID(r),
		Amount:         req.Amount,
		PaymentMethod:  req.PaymentMethod,
		PaymentDetails: req.PaymentDetails,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(*out))
}

// ListWithdrawals returns the account's requests.
// GET /api/accounts/{id}/withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := h.Withdrawals.List(r.Context(), accountID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]WithdrawalDTO, len(list))
	for i, req := range list {
		dtos[i] = toWithdrawalDTO(req)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveWithdrawal marks a request paid out.
// POST /api/withdrawals/{id}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	out, err := h.Withdrawals.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*out))
}

// RejectWithdrawal refunds a request.
// POST /api/withdrawals/{id}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	out, err := h.Withdrawals.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*out))
}

// =============================================================================
// VOUCHERS
// =============================================================================

// RedeemVoucher credits a code's amount to the voucher pool.
// POST /api/accounts/{id}/vouchers/redeem
func (h *Handler) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	receipt, err := h.Vouchers.Redeem(r.Context(), accountID(r), req.Code)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

// ProvisionVoucher stores a code in the vouchers table.
// POST /api/admin/vouchers
func (h *Handler) ProvisionVoucher(w http.ResponseWriter, r *http.Request) {
	var req ProvisionVoucherRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	v, err := h.Vouchers.Provision(r.Context(), req.Code, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, VoucherDTO{Code: v.Code, Amount: v.Amount, IsActive: v.IsActive})
}

// =============================================================================
// ADMIN: RATES & PLANS
// =============================================================================

// GetCommissionRates returns the level table.
// GET /api/admin/commission-rates
func (h *Handler) GetCommissionRates(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.ListCommissionRates(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTOs(rows))
}

// PutCommissionRates replaces the level table.
// PUT /api/admin/commission-rates
func (h *Handler) PutCommissionRates(w http.ResponseWriter, r *http.Request) {
	var req []RateDTO
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rows := fromRateDTOs(req)
	if err := referral.ValidateRates(rows); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.Store.ReplaceCommissionRates(r.Context(), rows); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("commission rates replaced", zap.Int("levels", len(rows)))
	writeJSON(w, http.StatusOK, toRateDTOs(rows))
}

// ListPlans returns the effective plan set.
// GET /api/admin/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	list, err := h.Plans.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]PlanDTO, len(list))
	for i, p := range list {
		dtos[i] = toPlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SavePlan upserts a plan override.
// PUT /api/admin/plans
func (h *Handler) SavePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanDTO
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p := req.toPlan()
	if err := h.Plans.Save(r.Context(), p); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	p.Name = plans.Normalize(p.Name)
	writeJSON(w, http.StatusOK, toPlanDTO(p))
}

// =============================================================================
// ADMIN: RECONCILIATION
// =============================================================================

// RunReconciliation audits every account now.
// POST /api/admin/reconciliation
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciliation is not configured", nil)
		return
	}
	run, err := h.Auditor.RunNow(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTO(run))
}

// ListReconciliationRuns returns recent audit passes.
// GET /api/admin/reconciliation/runs?limit=20
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := h.Store.ListAuditRuns(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]AuditRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAuditRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Healthz reports whether the store answers.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeJSON reads the request body into v. An empty body is accepted
// when optional is true.
func decodeJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		if optional {
			return nil
		}
		return errors.New("request body is required")
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor classifies a service error.
func statusFor(err error) (int, string) {
	var below *withdrawal.BelowMinimumError
	var short *wallet.InsufficientBalanceError
	switch {
	case wallet.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, wallet.ErrDuplicateReference):
		return http.StatusConflict, "duplicate_reference"
	case errors.Is(err, wallet.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, wallet.ErrTransactionConflict), errors.Is(err, wallet.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "transaction_conflict"
	case errors.As(err, &short):
		return http.StatusBadRequest, "insufficient_balance"
	case errors.As(err, &below):
		return http.StatusBadRequest, "below_minimum"
	case errors.Is(err, plans.ErrUnknownPlan):
		return http.StatusBadRequest, "unknown_plan"
	case errors.Is(err, tasks.ErrDailyLimitReached):
		return http.StatusBadRequest, "daily_limit_reached"
	case errors.Is(err, tasks.ErrDailyEarningLimit):
		return http.StatusBadRequest, "daily_earning_limit_reached"
	case tasks.IsRejection(err):
		return http.StatusBadRequest, "task_not_allowed"
	case errors.Is(err, voucher.ErrInvalidCode), errors.Is(err, voucher.ErrUnknownCode):
		return http.StatusBadRequest, "invalid_voucher"
	case wallet.IsClientError(err),
		errors.Is(err, withdrawal.ErrPaymentMethodRequired),
		errors.Is(err, referral.ErrInvalidRate),
		errors.Is(err, plans.ErrInvalidPlan):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code, Details: errorDetails(err)})
}

// errorDetails exposes the numbers behind a refusal.
func errorDetails(err error) any {
	var short *wallet.InsufficientBalanceError
	var below *withdrawal.BelowMinimumError
	var limit *tasks.DailyLimitError
	var earning *tasks.DailyEarningLimitError
	switch {
	case errors.As(err, &short):
		return map[string]string{
			"pool":      string(short.Pool),
			"available": short.Available.String(),
			"requested": short.Requested.String(),
		}
	case errors.As(err, &below):
		return map[string]string{"minimum": below.Minimum.String(), "amount": below.Amount.String()}
	case errors.As(err, &limit):
		return map[string]string{
			"completed": strconv.Itoa(limit.Completed),
			"limit":     strconv.Itoa(limit.Limit),
		}
	case errors.As(err, &earning):
		return map[string]string{
			"earned": earning.Earned.String(),
			"reward": earning.Reward.String(),
			"limit":  earning.Limit.String(),
		}
	}
	return nil
}
