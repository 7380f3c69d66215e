/*
Package withdrawal validates and records cash withdrawal requests.

PURPOSE:
  A withdrawal moves money out of the cash pool. The request row and its
  WITHDRAWAL_DEBIT are written in one ledger transaction, keyed by the
  request id, so a request can never exist without its debit (or the
  other way round).

VALIDATION ORDER:
  1. amount > 0, payment method present
  2. minimum = account override, else plan minimum from the registry,
     else the fallback table, else 2000
  3. amount < minimum            -> *BelowMinimumError
  4. amount > cash balance       -> wallet.ErrInsufficientBalance
     (voucher pool never counts)

LIFECYCLE:
  PENDING ──► APPROVED   (payout done off-platform, no ledger effect)
     └──────► REJECTED   (WITHDRAWAL_REFUND credited back)
*/
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/wallet"
)

// =============================================================================
// TYPES
// =============================================================================

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

type Request struct {
	ID             string
	AccountID      wallet.AccountID
	Amount         decimal.Decimal
	Status         Status
	PaymentMethod  string
	PaymentDetails string
	TransactionID  wallet.TransactionID
	Note           string
	RequestedAt    time.Time
	DecidedAt      *time.Time
}

type Input struct {
	AccountID      wallet.AccountID
	Amount         decimal.Decimal
	PaymentMethod  string
	PaymentDetails string
}

var (
	ErrPaymentMethodRequired = errors.New("payment method is required")
	ErrRequestNotFound       = fmt.Errorf("withdrawal request %w", wallet.ErrNotFound)
	ErrBelowMinimum          = errors.New("amount below minimum withdrawal")
)

// BelowMinimumError reports the minimum that applied.
type BelowMinimumError struct {
	Amount  decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("amount %s is below the minimum withdrawal of %s", e.Amount, e.Minimum)
}

func (e *BelowMinimumError) Unwrap() error {
	return ErrBelowMinimum
}

// Store is the transaction-scoped view the service needs.
type Store interface {
	CreateWithdrawal(ctx context.Context, r Request) error
	// GetWithdrawal returns nil, nil when missing.
	GetWithdrawal(ctx context.Context, id string) (*Request, error)
	UpdateWithdrawal(ctx context.Context, r Request) error
}

// Lister reads requests outside a transaction.
type Lister interface {
	ListWithdrawals(ctx context.Context, accountID wallet.AccountID) ([]Request, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	ledger         *wallet.Ledger
	registry       *plans.Registry
	lister         Lister
	defaultMinimum decimal.Decimal
	logger         *zap.Logger
	now            func() time.Time
}

func NewService(ledger *wallet.Ledger, registry *plans.Registry, lister Lister, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:         ledger,
		registry:       registry,
		lister:         lister,
		defaultMinimum: plans.DefaultMinimumWithdrawal,
		logger:         logger,
		now:            time.Now,
	}
}

// SetDefaultMinimum overrides the global fallback of 2000.
func (s *Service) SetDefaultMinimum(m decimal.Decimal) {
	if m.IsPositive() {
		s.defaultMinimum = m
	}
}

// MinimumFor resolves the minimum withdrawal for acc.
func (s *Service) MinimumFor(ctx context.Context, acc *wallet.Account) decimal.Decimal {
	if acc.MinimumWithdrawal != nil {
		return *acc.MinimumWithdrawal
	}
	if acc.MembershipPlan == "" {
		return s.defaultMinimum
	}
	if s.registry != nil {
		plan, err := s.registry.Resolve(ctx, acc.MembershipPlan)
		if err == nil && plan.MinimumWithdrawal.IsPositive() {
			return plan.MinimumWithdrawal
		}
		if err != nil && !errors.Is(err, plans.ErrUnknownPlan) {
			s.logger.Warn("plan lookup failed, using fallback minimum",
				zap.String("plan", acc.MembershipPlan), zap.Error(err))
		}
	}
	if _, ok := plans.Default(acc.MembershipPlan); ok {
		return plans.FallbackMinimum(acc.MembershipPlan)
	}
	return s.defaultMinimum
}

func txStore(tx *wallet.Tx) (Store, error) {
	st, ok := tx.Store().(Store)
	if !ok {
		return nil, wallet.ErrStoreRequired
	}
	return st, nil
}

// Request validates the input, then creates the PENDING request and
// debits the cash pool atomically.
func (s *Service) Request(ctx context.Context, in Input) (*Request, error) {
	if !in.Amount.IsPositive() {
		return nil, wallet.ErrInvalidAmount
	}
	if strings.TrimSpace(in.PaymentMethod) == "" {
		return nil, ErrPaymentMethodRequired
	}

	acc, err := s.ledger.Store().GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	minimum := s.MinimumFor(ctx, acc)
	if in.Amount.LessThan(minimum) {
		return nil, &BelowMinimumError{Amount: in.Amount, Minimum: minimum}
	}

	req := Request{
		ID:             uuid.NewString(),
		AccountID:      in.AccountID,
		Amount:         in.Amount,
		Status:         StatusPending,
		PaymentMethod:  strings.TrimSpace(in.PaymentMethod),
		PaymentDetails: in.PaymentDetails,
		RequestedAt:    s.now().UTC(),
	}

	err = s.ledger.Atomically(ctx, func(tx *wallet.Tx) error {
		st, err := txStore(tx)
		if err != nil {
			return err
		}
		// Debit checks the cash pool only.
		receipt, err := tx.Debit(ctx, wallet.Entry{
			AccountID:   in.AccountID,
			Amount:      in.Amount,
			Type:        wallet.TxWithdrawalDebit,
			Reference:   req.ID,
			Description: "Withdrawal via " + req.PaymentMethod,
		})
		if err != nil {
			return err
		}
		req.TransactionID = receipt.TransactionID
		return st.CreateWithdrawal(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal requested",
		zap.String("request_id", req.ID),
		zap.String("account_id", string(req.AccountID)),
		zap.String("amount", req.Amount.String()))
	return &req, nil
}

// Approve marks a PENDING request paid out.
func (s *Service) Approve(ctx context.Context, id string) (*Request, error) {
	return s.decide(ctx, id, StatusApproved, "")
}

// Reject refuses a PENDING request and refunds its amount.
func (s *Service) Reject(ctx context.Context, id, note string) (*Request, error) {
	return s.decide(ctx, id, StatusRejected, note)
}

func (s *Service) decide(ctx context.Context, id string, to Status, note string) (*Request, error) {
	var out Request
	err := s.ledger.Atomically(ctx, func(tx *wallet.Tx) error {
		st, err := txStore(tx)
		if err != nil {
			return err
		}
		r, err := st.GetWithdrawal(ctx, id)
		if err != nil {
			return fmt.Errorf("load withdrawal: %w", err)
		}
		if r == nil {
			return ErrRequestNotFound
		}
		if r.Status != StatusPending {
			return fmt.Errorf("%w: withdrawal %s is %s", wallet.ErrInvalidTransition, id, r.Status)
		}

		if to == StatusRejected {
			if _, err := tx.Credit(ctx, wallet.Entry{
				AccountID:   r.AccountID,
				Amount:      r.Amount,
				Type:        wallet.TxWithdrawalRefund,
				Reference:   r.ID,
				Description: "Refund of rejected withdrawal",
			}); err != nil {
				return err
			}
		}

		stamp := s.now().UTC()
		r.Status = to
		r.Note = note
		r.DecidedAt = &stamp
		if err := st.UpdateWithdrawal(ctx, *r); err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal decided",
		zap.String("request_id", id),
		zap.String("status", string(to)))
	return &out, nil
}

// List returns an account's requests, newest first.
func (s *Service) List(ctx context.Context, accountID wallet.AccountID) ([]Request, error) {
	return s.lister.ListWithdrawals(ctx, accountID)
}
