/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the wallet and referral model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal and serialize as JSON strings ("1000").
  Requests accept either a string or a number.

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/tasks"
	"github.com/warp/commission-engine/wallet"
	"github.com/warp/commission-engine/withdrawal"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO is an account with its derived reporting fields.
type AccountDTO struct {
	ID                  string           `json:"id"`
	ReferralCode        string           `json:"referral_code"`
	ReferredBy          string           `json:"referred_by,omitempty"`
	Balance             decimal.Decimal  `json:"balance"`
	AvailableVoucherPKR decimal.Decimal  `json:"available_voucher_pkr"`
	TotalEarnings       decimal.Decimal  `json:"total_earnings"`
	PendingCommission   decimal.Decimal  `json:"pending_commission"`
	TasksCompleted      int              `json:"tasks_completed"`
	MembershipPlan      string           `json:"membership_plan,omitempty"`
	MembershipStatus    string           `json:"membership_status"`
	Country             string           `json:"country,omitempty"`
	TasksEnabled        bool             `json:"tasks_enabled"`
	MinimumWithdrawal   *decimal.Decimal `json:"minimum_withdrawal,omitempty"`
	TransactionCount    *int             `json:"transaction_count,omitempty"`
	CreatedAt           string           `json:"created_at"`
}

// SignupRequest creates an account, optionally under a sponsor.
type SignupRequest struct {
	SponsorCode string `json:"sponsor_code"`
	Country     string `json:"country"`
}

// SettingsRequest updates the user-editable account fields. Omitted
// fields are left alone.
type SettingsRequest struct {
	TasksEnabled           *bool            `json:"tasks_enabled"`
	Country                *string          `json:"country"`
	MinimumWithdrawal      *decimal.Decimal `json:"minimum_withdrawal"`
	ClearMinimumWithdrawal bool             `json:"clear_minimum_withdrawal"`
}

func toAccountDTO(a wallet.Account) AccountDTO {
	return AccountDTO{
		ID:                  string(a.ID),
		ReferralCode:        a.ReferralCode,
		ReferredBy:          a.ReferredBy,
		Balance:             a.Balance,
		AvailableVoucherPKR: a.AvailableVoucherPKR,
		TotalEarnings:       a.TotalEarnings,
		PendingCommission:   a.PendingCommission,
		TasksCompleted:      a.TasksCompleted,
		MembershipPlan:      a.MembershipPlan,
		MembershipStatus:    string(a.MembershipStatus),
		Country:             a.Country,
		TasksEnabled:        a.TasksEnabled,
		MinimumWithdrawal:   a.MinimumWithdrawal,
		CreatedAt:           a.CreatedAt.Format(time.RFC3339),
	}
}

func toSummaryDTO(s wallet.Summary) AccountDTO {
	dto := toAccountDTO(s.Account)
	n := s.TransactionCount
	dto.TransactionCount = &n
	return dto
}

// =============================================================================
// LEDGER
// =============================================================================

// TransactionDTO is one ledger row.
type TransactionDTO struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Pool         string          `json:"pool"`
	Amount       decimal.Decimal `json:"amount"`
	Status       string          `json:"status"`
	Reference    string          `json:"reference"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

func toTransactionDTOs(txs []wallet.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = TransactionDTO{
			ID:           string(tx.ID),
			Type:         string(tx.Type),
			Pool:         string(tx.Pool),
			Amount:       tx.Amount,
			Status:       string(tx.Status),
			Reference:    tx.Reference,
			BalanceAfter: tx.BalanceAfter,
			Description:  tx.Description,
			CreatedAt:    tx.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	return out
}

// ReceiptDTO is returned by every ledger write.
type ReceiptDTO struct {
	TransactionID  string          `json:"transaction_id"`
	AccountID      string          `json:"account_id"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Balance        decimal.Decimal `json:"balance"`
	VoucherBalance decimal.Decimal `json:"voucher_balance"`
}

func toReceiptDTO(r wallet.Receipt) ReceiptDTO {
	return ReceiptDTO{
		TransactionID:  string(r.TransactionID),
		AccountID:      string(r.AccountID),
		Type:           string(r.Type),
		Amount:         r.Amount,
		Balance:        r.Balance,
		VoucherBalance: r.VoucherBalance,
	}
}

// ReconciliationDTO compares stored balances with the ledger sums.
type ReconciliationDTO struct {
	AccountID      string          `json:"account_id"`
	Balance        decimal.Decimal `json:"balance"`
	VoucherBalance decimal.Decimal `json:"voucher_balance"`
	LedgerCash     decimal.Decimal `json:"ledger_cash"`
	LedgerVoucher  decimal.Decimal `json:"ledger_voucher"`
	Transactions   int             `json:"transactions"`
	Balanced       bool            `json:"balanced"`
}

func toReconciliationDTO(r wallet.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		AccountID:      string(r.AccountID),
		Balance:        r.Balance,
		VoucherBalance: r.VoucherBalance,
		LedgerCash:     r.LedgerCash,
		LedgerVoucher:  r.LedgerVoucher,
		Transactions:   r.Transactions,
		Balanced:       r.Balanced(),
	}
}

// AuditRunDTO is one scheduled or manual ReconcileAll pass.
type AuditRunDTO struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Accounts   int     `json:"accounts"`
	Mismatches int     `json:"mismatches"`
	Error      string  `json:"error,omitempty"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

func toAuditRunDTO(r wallet.AuditRun) AuditRunDTO {
	dto := AuditRunDTO{
		ID:         r.ID,
		Status:     string(r.Status),
		Accounts:   r.Accounts,
		Mismatches: r.Mismatches,
		Error:      r.Error,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
	}
	if r.FinishedAt != nil {
		s := r.FinishedAt.Format(time.RFC3339)
		dto.FinishedAt = &s
	}
	return dto
}

// =============================================================================
// REFERRAL
// =============================================================================

// AncestorDTO is one upline member.
type AncestorDTO struct {
	Level        int    `json:"level"`
	AccountID    string `json:"account_id"`
	ReferralCode string `json:"referral_code"`
}

// UplineDTO is the resolved ancestor chain.
type UplineDTO struct {
	AccountID     string        `json:"account_id"`
	Ancestors     []AncestorDTO `json:"ancestors"`
	CycleDetected bool          `json:"cycle_detected"`
}

func toUplineDTO(c referral.Chain) UplineDTO {
	dto := UplineDTO{AccountID: string(c.AccountID), Ancestors: []AncestorDTO{}, CycleDetected: c.CycleDetected}
	for _, a := range c.Ancestors {
		dto.Ancestors = append(dto.Ancestors, AncestorDTO{
			Level:        a.Level,
			AccountID:    string(a.Account.ID),
			ReferralCode: a.Account.ReferralCode,
		})
	}
	return dto
}

// NodeDTO is one downline member.
type NodeDTO struct {
	Level            int    `json:"level"`
	AccountID        string `json:"account_id"`
	ReferralCode     string `json:"referral_code"`
	SponsorCode      string `json:"sponsor_code"`
	MembershipPlan   string `json:"membership_plan,omitempty"`
	MembershipStatus string `json:"membership_status"`
}

func toNodeDTOs(nodes []referral.Node) []NodeDTO {
	out := make([]NodeDTO, len(nodes))
	for i, n := range nodes {
		out[i] = NodeDTO{
			Level:            n.Level,
			AccountID:        string(n.AccountID),
			ReferralCode:     n.ReferralCode,
			SponsorCode:      n.SponsorCode,
			MembershipPlan:   n.MembershipPlan,
			MembershipStatus: string(n.MembershipStatus),
		}
	}
	return out
}

// EnrollRequest activates a plan. EventID makes retries idempotent.
type EnrollRequest struct {
	Plan    string `json:"plan"`
	EventID string `json:"event_id"`
}

// PayoutDTO is one commission credit.
type PayoutDTO struct {
	Level     int             `json:"level"`
	AccountID string          `json:"account_id"`
	Rate      decimal.Decimal `json:"rate"`
	Amount    decimal.Decimal `json:"amount"`
}

func toPayoutDTOs(payouts []referral.Payout) []PayoutDTO {
	out := make([]PayoutDTO, len(payouts))
	for i, p := range payouts {
		out[i] = PayoutDTO{Level: p.Level, AccountID: string(p.AccountID), Rate: p.Rate, Amount: p.Amount}
	}
	return out
}

// EnrollmentDTO is the result of an enrollment.
type EnrollmentDTO struct {
	EventID       string          `json:"event_id"`
	Plan          string          `json:"plan"`
	Price         decimal.Decimal `json:"price"`
	Payouts       []PayoutDTO     `json:"payouts"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	CycleDetected bool            `json:"cycle_detected"`
}

// RateDTO is one commission level.
type RateDTO struct {
	Level    int             `json:"level"`
	Rate     decimal.Decimal `json:"rate"`
	IsActive bool            `json:"is_active"`
}

func toRateDTOs(rows []referral.CommissionLevelRate) []RateDTO {
	out := make([]RateDTO, len(rows))
	for i, r := range rows {
		out[i] = RateDTO{Level: r.Level, Rate: r.Rate, IsActive: r.IsActive}
	}
	return out
}

func fromRateDTOs(rows []RateDTO) []referral.CommissionLevelRate {
	out := make([]referral.CommissionLevelRate, len(rows))
	for i, r := range rows {
		out[i] = referral.CommissionLevelRate{Level: r.Level, Rate: r.Rate, IsActive: r.IsActive}
	}
	return out
}

// =============================================================================
// PLANS
// =============================================================================

// PlanDTO is a membership plan.
type PlanDTO struct {
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	DailyTaskEarning  decimal.Decimal `json:"daily_task_earning"`
	TasksPerDay       int             `json:"tasks_per_day"`
	MinimumWithdrawal decimal.Decimal `json:"minimum_withdrawal"`
	VoucherAmount     decimal.Decimal `json:"voucher_amount"`
	IsActive          bool            `json:"is_active"`
}

func toPlanDTO(p plans.Plan) PlanDTO {
	return PlanDTO{
		Name:              p.Name,
		Price:             p.Price,
		DailyTaskEarning:  p.DailyTaskEarning,
		TasksPerDay:       p.TasksPerDay,
		MinimumWithdrawal: p.MinimumWithdrawal,
		VoucherAmount:     p.VoucherAmount,
		IsActive:          p.IsActive,
	}
}

func (p PlanDTO) toPlan() plans.Plan {
	return plans.Plan{
		Name:              p.Name,
		Price:             p.Price,
		DailyTaskEarning:  p.DailyTaskEarning,
		TasksPerDay:       p.TasksPerDay,
		MinimumWithdrawal: p.MinimumWithdrawal,
		VoucherAmount:     p.VoucherAmount,
		IsActive:          p.IsActive,
	}
}

// =============================================================================
// TASKS
// =============================================================================

// TaskDTO is a catalog entry.
type TaskDTO struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Reward    decimal.Decimal `json:"reward"`
	IsActive  bool            `json:"is_active"`
	CreatedAt string          `json:"created_at"`
}

// CreateTaskRequest adds a task to the catalog.
type CreateTaskRequest struct {
	Title  string          `json:"title"`
	Reward decimal.Decimal `json:"reward"`
}

func toTaskDTO(t tasks.Task) TaskDTO {
	return TaskDTO{
		ID:        t.ID,
		Title:     t.Title,
		Reward:    t.Reward,
		IsActive:  t.IsActive,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
	}
}

// CompletionDTO is one account's progress on one task.
type CompletionDTO struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	Reward      decimal.Decimal `json:"reward"`
	Attempts    int             `json:"attempts"`
	Note        string          `json:"note,omitempty"`
	StartedAt   *string         `json:"started_at,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	Receipt     *ReceiptDTO     `json:"receipt,omitempty"`
	Payouts     []PayoutDTO     `json:"payouts,omitempty"`
}

func toCompletionDTO(c tasks.Completion) CompletionDTO {
	return CompletionDTO{
		ID:          c.ID,
		AccountID:   string(c.AccountID),
		TaskID:      c.TaskID,
		Status:      string(c.Status),
		Reward:      c.Reward,
		Attempts:    c.Attempts,
		Note:        c.Note,
		StartedAt:   formatTimePtr(c.StartedAt),
		CompletedAt: formatTimePtr(c.CompletedAt),
	}
}

// DecisionRequest carries the operator's note on reject/fail.
type DecisionRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// WITHDRAWALS / VOUCHERS
// =============================================================================

// WithdrawalRequestDTO asks for a cash payout.
type WithdrawalRequestDTO struct {
	Amount         decimal.Decimal `json:"amount"`
	PaymentMethod  string          `json:"payment_method"`
	PaymentDetails string          `json:"payment_details"`
}

// WithdrawalDTO is a withdrawal request and its status.
type WithdrawalDTO struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	PaymentMethod  string          `json:"payment_method"`
	PaymentDetails string          `json:"payment_details,omitempty"`
	TransactionID  string          `json:"transaction_id"`
	Note           string          `json:"note,omitempty"`
	RequestedAt    string          `json:"requested_at"`
	DecidedAt      *string         `json:"decided_at,omitempty"`
}

func toWithdrawalDTO(r withdrawal.Request) WithdrawalDTO {
	return WithdrawalDTO{
		ID:             r.ID,
		AccountID:      string(r.AccountID),
		Amount:         r.Amount,
		Status:         string(r.Status),
		PaymentMethod:  r.PaymentMethod,
		PaymentDetails: r.PaymentDetails,
		TransactionID:  string(r.TransactionID),
		Note:           r.Note,
		RequestedAt:    r.RequestedAt.Format(time.RFC3339),
		DecidedAt:      formatTimePtr(r.DecidedAt),
	}
}

// RedeemRequest redeems a voucher code.
type RedeemRequest struct {
	Code string `json:"code"`
}

// ProvisionVoucherRequest registers a code in the vouchers table.
type ProvisionVoucherRequest struct {
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

// VoucherDTO is a provisioned code.
type VoucherDTO struct {
	Code     string          `json:"code"`
	Amount   decimal.Decimal `json:"amount"`
	IsActive bool            `json:"is_active"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResultDTO reports the accounts a scenario created and what it
// checked.
type ScenarioResultDTO struct {
	Scenario ScenarioDTO       `json:"scenario"`
	Accounts map[string]string `json:"accounts"`
	Outcomes []string          `json:"outcomes"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
