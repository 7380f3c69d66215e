package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/wallet"
)

var ErrInvalidRate = errors.New("invalid commission rate")

// =============================================================================
// RATES
// =============================================================================

// CommissionLevelRate is one administrator-managed row.
type CommissionLevelRate struct {
	Level    int
	Rate     decimal.Decimal
	IsActive bool
}

// RateStore persists the level rates.
type RateStore interface {
	ListCommissionRates(ctx context.Context) ([]CommissionLevelRate, error)
	// ReplaceCommissionRates swaps the whole table in one transaction.
	ReplaceCommissionRates(ctx context.Context, rates []CommissionLevelRate) error
}

// ValidateRates checks levels are 1..MaxDepth and unique, and rates are
// fractions in [0, 1].
func ValidateRates(rates []CommissionLevelRate) error {
	seen := make(map[int]bool, len(rates))
	for _, r := range rates {
		if r.Level < 1 || r.Level > MaxDepth {
			return fmt.Errorf("%w: level %d out of range 1..%d", ErrInvalidRate, r.Level, MaxDepth)
		}
		if seen[r.Level] {
			return fmt.Errorf("%w: level %d listed twice", ErrInvalidRate, r.Level)
		}
		seen[r.Level] = true
		if r.Rate.IsNegative() || r.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: level %d rate %s not in [0, 1]", ErrInvalidRate, r.Level, r.Rate)
		}
	}
	return nil
}

// RateTable is an immutable snapshot of the active rates. Build one per
// payout so an edit mid-payout can't split a batch across two tables.
type RateTable struct {
	rates [MaxDepth + 1]decimal.Decimal
}

// NewRateTable keeps active rows with a level in range and ignores the
// rest.
func NewRateTable(rows []CommissionLevelRate) RateTable {
	var t RateTable
	for i := range t.rates {
		t.rates[i] = decimal.Zero
	}
	for _, r := range rows {
		if !r.IsActive || r.Level < 1 || r.Level > MaxDepth {
			continue
		}
		t.rates[r.Level] = r.Rate
	}
	return t
}

// LoadRateTable snapshots the store's current rates.
func LoadRateTable(ctx context.Context, store RateStore) (RateTable, error) {
	rows, err := store.ListCommissionRates(ctx)
	if err != nil {
		return RateTable{}, fmt.Errorf("load commission rates: %w", err)
	}
	return NewRateTable(rows), nil
}

// Rate returns 0 for unconfigured, inactive or out-of-range levels.
func (t RateTable) Rate(level int) decimal.Decimal {
	if level < 1 || level > MaxDepth {
		return decimal.Zero
	}
	return t.rates[level]
}

// Sum of all active rates.
func (t RateTable) Sum() decimal.Decimal {
	sum := decimal.Zero
	for level := 1; level <= MaxDepth; level++ {
		sum = sum.Add(t.rates[level])
	}
	return sum
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Payout is one ancestor's commission.
type Payout struct {
	Level     int
	AccountID wallet.AccountID
	Rate      decimal.Decimal
	Amount    decimal.Decimal
}

// Calculate pays round(base * rate[level]) to each ancestor, rounding
// half up to whole PKR. Zero amounts are dropped; missing levels pay
// nothing and are not redirected.
func Calculate(base decimal.Decimal, chain Chain, table RateTable) []Payout {
	if !base.IsPositive() {
		return nil
	}
	var payouts []Payout
	for _, a := range chain.Ancestors {
		rate := table.Rate(a.Level)
		amount := base.Mul(rate).Round(0)
		if !amount.IsPositive() {
			continue
		}
		payouts = append(payouts, Payout{
			Level:     a.Level,
			AccountID: a.Account.ID,
			Rate:      rate,
			Amount:    amount,
		})
	}
	return payouts
}

// Total sums payout amounts.
func Total(payouts []Payout) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payouts {
		total = total.Add(p.Amount)
	}
	return total
}
