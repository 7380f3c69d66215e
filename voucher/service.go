// Package voucher redeems one-time codes into the voucher pool.
//
// A code is 32 hex characters. Its amount comes from an AllowList that
// is provisioned outside the engine (config file or the vouchers table).
// The ledger's (VOUCHER_CREDIT, code) uniqueness is the only replay
// guard: the second redemption of a code fails with
// wallet.ErrDuplicateReference no matter which account tries it.
package voucher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/wallet"
)

var (
	ErrInvalidCode = errors.New("voucher code must be 32 hexadecimal characters")
	ErrUnknownCode = errors.New("voucher code not recognised")
)

var codePattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NormalizeCode lower-cases and trims a code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidCode reports whether code has the expected format.
func ValidCode(code string) bool {
	return codePattern.MatchString(NormalizeCode(code))
}

// =============================================================================
// ALLOW LISTS
// =============================================================================

// AllowList maps a normalized code to its amount.
type AllowList interface {
	// Lookup returns ok=false for unknown or inactive codes.
	Lookup(ctx context.Context, code string) (amount decimal.Decimal, ok bool, err error)
}

// StaticAllowList is a fixed map, typically from the config file.
type StaticAllowList map[string]decimal.Decimal

func (l StaticAllowList) Lookup(_ context.Context, code string) (decimal.Decimal, bool, error) {
	amount, ok := l[NormalizeCode(code)]
	return amount, ok, nil
}

// Voucher is a provisioned code.
type Voucher struct {
	Code     string
	Amount   decimal.Decimal
	IsActive bool
}

// Store persists provisioned vouchers.
type Store interface {
	// GetVoucher returns nil, nil for unknown codes.
	GetVoucher(ctx context.Context, code string) (*Voucher, error)
	SaveVoucher(ctx context.Context, v Voucher) error
}

// StoreAllowList looks codes up in the vouchers table.
type StoreAllowList struct {
	Store Store
}

func (l StoreAllowList) Lookup(ctx context.Context, code string) (decimal.Decimal, bool, error) {
	v, err := l.Store.GetVoucher(ctx, NormalizeCode(code))
	if err != nil {
		return decimal.Zero, false, err
	}
	if v == nil || !v.IsActive {
		return decimal.Zero, false, nil
	}
	return v.Amount, true, nil
}

// ChainAllowList asks each list in order; the first hit wins.
type ChainAllowList []AllowList

func (c ChainAllowList) Lookup(ctx context.Context, code string) (decimal.Decimal, bool, error) {
	for _, l := range c {
		amount, ok, err := l.Lookup(ctx, code)
		if err != nil {
			return decimal.Zero, false, err
		}
		if ok {
			return amount, true, nil
		}
	}
	return decimal.Zero, false, nil
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	ledger *wallet.Ledger
	allow  AllowList
	store  Store
	logger *zap.Logger
}

// NewService builds the redemption service. store may be nil when codes
// are never provisioned through the API.
func NewService(ledger *wallet.Ledger, allow AllowList, store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{ledger: ledger, allow: allow, store: store, logger: logger}
}

// Redeem credits the code's amount to the account's voucher pool.
func (s *Service) Redeem(ctx context.Context, accountID wallet.AccountID, code string) (wallet.Receipt, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return wallet.Receipt{}, ErrInvalidCode
	}

	amount, ok, err := s.allow.Lookup(ctx, code)
	if err != nil {
		return wallet.Receipt{}, fmt.Errorf("look up voucher: %w", err)
	}
	if !ok {
		return wallet.Receipt{}, ErrUnknownCode
	}

	receipt, err := s.ledger.Credit(ctx, wallet.Entry{
		AccountID:   accountID,
		Amount:      amount,
		Type:        wallet.TxVoucherCredit,
		Reference:   code,
		Description: "Voucher redemption",
	})
	if err != nil {
		if errors.Is(err, wallet.ErrDuplicateReference) {
			s.logger.Info("voucher replay refused",
				zap.String("account_id", string(accountID)),
				zap.String("code_prefix", code[:6]))
		}
		return wallet.Receipt{}, err
	}
	return receipt, nil
}

// Provision stores a code for StoreAllowList.
func (s *Service) Provision(ctx context.Context, code string, amount decimal.Decimal) (*Voucher, error) {
	if s.store == nil {
		return nil, wallet.ErrStoreRequired
	}
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}
	if !amount.IsPositive() {
		return nil, wallet.ErrInvalidAmount
	}
	v := Voucher{Code: code, Amount: amount.Round(0), IsActive: true}
	if err := s.store.SaveVoucher(ctx, v); err != nil {
		return nil, fmt.Errorf("save voucher: %w", err)
	}
	return &v, nil
}
