/*
Package wallet provides the balance ledger for the commission engine.

PURPOSE:
  Every change to an account's money goes through this package. Cash
  (withdrawable) and voucher (spend-only) pools live on the account row,
  and every mutation appends an immutable Transaction in the same
  database transaction. Other components never write balances directly;
  they ask the Ledger to credit or debit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: balances, sponsor edge, membership and task settings
  - Transaction: immutable ledger row, unique by (Type, Reference)
  - Entry: a requested credit or debit
  - Receipt: what a successful credit or debit returns
  - Event: what the Notifier receives after commit

DESIGN PRINCIPLES:
  1. Single writer: only Ledger mutates Balance / AvailableVoucherPKR
  2. Precision: amounts are decimal.Decimal holding whole PKR
  3. Idempotency: (Type, Reference) is unique across all accounts
  4. Reconcilable: pool balances equal the sum of completed transactions

USAGE:
  ledger := wallet.NewLedger(store, wallet.WithNotifier(dispatcher))
  receipt, err := ledger.Credit(ctx, wallet.Entry{
      AccountID: "acc-1",
      Amount:    wallet.PKR(200),
      Type:      wallet.TxCommission,
      Reference: "enroll-42:L1",
  })

SEE ALSO:
  - ledger.go: Credit, Debit, BatchCredit, Atomically
  - store.go: persistence contract
  - errors.go: sentinel and structured errors
*/
package wallet

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNTS
// =============================================================================

// PKR returns a whole-rupee amount.
func PKR(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

// ParseAmount parses a stored decimal string. Stores use it when
// scanning so a damaged column surfaces as ErrCorruptAmount instead of
// a zero balance.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrCorruptAmount, s)
	}
	return d, nil
}

// MustParseAmount is ParseAmount for literals. It panics on bad input.
func MustParseAmount(s string) decimal.Decimal {
	d, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// ACCOUNT
// =============================================================================

type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "ACTIVE"
	MembershipInactive MembershipStatus = "INACTIVE"
)

// Account is a platform member. ReferredBy holds the sponsor's referral
// code and is empty for roots.
type Account struct {
	ID           AccountID
	ReferralCode string
	ReferredBy   string

	// Owned by Ledger.
	Balance             decimal.Decimal
	AvailableVoucherPKR decimal.Decimal

	// Derived from transaction history, filled by Ledger.Summary.
	TotalEarnings     decimal.Decimal
	PendingCommission decimal.Decimal
	TasksCompleted    int

	MembershipPlan    string
	MembershipStatus  MembershipStatus
	Country           string
	TasksEnabled      bool
	MinimumWithdrawal *decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasSponsor reports whether the account was referred by someone.
func (a Account) HasSponsor() bool {
	return a.ReferredBy != ""
}

// IsActive reports whether the membership is active.
func (a Account) IsActive() bool {
	return a.MembershipStatus == MembershipActive
}

// =============================================================================
// TRANSACTION - Immutable ledger row
// =============================================================================

// Pool identifies which balance a transaction moves.
type Pool string

const (
	PoolCash    Pool = "CASH"
	PoolVoucher Pool = "VOUCHER"
)

type TransactionType string

const (
	TxCommission       TransactionType = "COMMISSION"        // Referral payout, cash
	TxTaskReward       TransactionType = "TASK_REWARD"       // Approved task, cash
	TxVoucherCredit    TransactionType = "VOUCHER_CREDIT"    // Redeemed voucher code, voucher pool
	TxVoucherRedeem    TransactionType = "VOUCHER_REDEEM"    // Platform-issued voucher, voucher pool
	TxWithdrawalDebit  TransactionType = "WITHDRAWAL_DEBIT"  // Withdrawal request, cash
	TxWithdrawalRefund TransactionType = "WITHDRAWAL_REFUND" // Rejected withdrawal returned, cash
)

type txKind struct {
	pool   Pool
	credit bool
}

var txKinds = map[TransactionType]txKind{
	TxCommission:       {pool: PoolCash, credit: true},
	TxTaskReward:       {pool: PoolCash, credit: true},
	TxWithdrawalRefund: {pool: PoolCash, credit: true},
	TxVoucherCredit:    {pool: PoolVoucher, credit: true},
	TxVoucherRedeem:    {pool: PoolVoucher, credit: true},
	TxWithdrawalDebit:  {pool: PoolCash, credit: false},
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	_, ok := txKinds[t]
	return ok
}

// Pool returns the balance pool the type moves.
func (t TransactionType) Pool() Pool {
	return txKinds[t].pool
}

// IsCredit reports whether the type adds to its pool.
func (t TransactionType) IsCredit() bool {
	return txKinds[t].credit
}

// IsEarning reports whether the type counts toward TotalEarnings.
func (t TransactionType) IsEarning() bool {
	return t == TxCommission || t == TxTaskReward
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
)

// Transaction is one ledger row. Amount is signed: credits positive,
// debits negative. BalanceAfter is the pool balance after this row.
type Transaction struct {
	ID           TransactionID
	AccountID    AccountID
	Type         TransactionType
	Pool         Pool
	Amount       decimal.Decimal
	Status       TransactionStatus
	Reference    string
	BalanceAfter decimal.Decimal
	Description  string
	CreatedAt    time.Time
}

// =============================================================================
// ENTRY / RECEIPT / EVENT
// =============================================================================

// Entry is a requested balance change. Amount is always positive; the
// direction comes from the operation (Credit or Debit).
type Entry struct {
	AccountID   AccountID
	Amount      decimal.Decimal
	Type        TransactionType
	Reference   string
	Description string
}

// Receipt is returned for every applied entry.
type Receipt struct {
	TransactionID  TransactionID
	AccountID      AccountID
	Type           TransactionType
	Amount         decimal.Decimal
	Balance        decimal.Decimal
	VoucherBalance decimal.Decimal
}

// Event is published to the Notifier after a mutation commits.
type Event struct {
	AccountID     AccountID       `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Type          TransactionType `json:"type"`
	Reference     string          `json:"reference"`
	TransactionID TransactionID   `json:"transaction_id"`
	At            time.Time       `json:"at"`
}
