package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/voucher"
)

// =============================================================================
// COMMISSION RATES (referral.RateStore)
// =============================================================================

func (q *queries) ListCommissionRates(ctx context.Context) ([]referral.CommissionLevelRate, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT level, rate, is_active FROM commission_level_rates ORDER BY level`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []referral.CommissionLevelRate
	for rows.Next() {
		var (
			r    referral.CommissionLevelRate
			rate string
		)
		if err := rows.Scan(&r.Level, &rate, &r.IsActive); err != nil {
			return nil, err
		}
		var amt amounts
		if r.Rate = amt.parse(rate); amt.err != nil {
			return nil, fmt.Errorf("commission rate L%d: %w", r.Level, amt.err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceCommissionRates swaps the whole table atomically, so a payout
// snapshot sees either the old table or the new one.
func (q *queries) ReplaceCommissionRates(ctx context.Context, rates []referral.CommissionLevelRate) error {
	return q.atomic(ctx, func(q *queries) error {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM commission_level_rates`); err != nil {
			return mapError(err)
		}
		for _, r := range rates {
			if _, err := q.db.ExecContext(ctx,
				`INSERT INTO commission_level_rates (level, rate, is_active) VALUES (?, ?, ?)`,
				r.Level, r.Rate.String(), r.IsActive); err != nil {
				return mapError(err)
			}
		}
		return nil
	})
}

// =============================================================================
// PLANS (plans.Store)
// =============================================================================

const planColumns = `name, price, daily_task_earning, tasks_per_day, minimum_withdrawal, voucher_amount, is_active`

func scanPlan(row scanner) (plans.Plan, error) {
	var (
		p                            plans.Plan
		price, daily, minWd, voucher string
	)
	if err := row.Scan(&p.Name, &price, &daily, &p.TasksPerDay, &minWd, &voucher, &p.IsActive); err != nil {
		return plans.Plan{}, err
	}
	var amt amounts
	p.Price = amt.parse(price)
	p.DailyTaskEarning = amt.parse(daily)
	p.MinimumWithdrawal = amt.parse(minWd)
	p.VoucherAmount = amt.parse(voucher)
	if amt.err != nil {
		return plans.Plan{}, fmt.Errorf("plan %s: %w", p.Name, amt.err)
	}
	return p, nil
}

func (q *queries) GetPlan(ctx context.Context, name string) (*plans.Plan, error) {
	p, err := scanPlan(q.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM membership_plans WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (q *queries) ListPlans(ctx context.Context) ([]plans.Plan, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+planColumns+` FROM membership_plans ORDER BY name`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []plans.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePlan reads the row, then inserts or updates it in one transaction.
func (q *queries) SavePlan(ctx context.Context, p plans.Plan) error {
	return q.atomic(ctx, func(q *queries) error {
		existing, err := q.GetPlan(ctx, p.Name)
		if err != nil {
			return err
		}
		args := []any{p.Price.String(), p.DailyTaskEarning.String(), p.TasksPerDay,
			p.MinimumWithdrawal.String(), p.VoucherAmount.String(), p.IsActive, formatTime(nowUTC()), p.Name}
		if existing == nil {
			_, err = q.db.ExecContext(ctx, `
				INSERT INTO membership_plans (price, daily_task_earning, tasks_per_day,
					minimum_withdrawal, voucher_amount, is_active, updated_at, name)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		} else {
			_, err = q.db.ExecContext(ctx, `
				UPDATE membership_plans SET price = ?, daily_task_earning = ?, tasks_per_day = ?,
					minimum_withdrawal = ?, voucher_amount = ?, is_active = ?, updated_at = ?
				WHERE name = ?`, args...)
		}
		return mapError(err)
	})
}

// =============================================================================
// VOUCHERS (voucher.Store)
// =============================================================================

func (q *queries) GetVoucher(ctx context.Context, code string) (*voucher.Voucher, error) {
	var (
		v      voucher.Voucher
		amount string
	)
	err := q.db.QueryRowContext(ctx, `SELECT code, amount, is_active FROM vouchers WHERE code = ?`, code).
		Scan(&v.Code, &amount, &v.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	var amt amounts
	if v.Amount = amt.parse(amount); amt.err != nil {
		return nil, fmt.Errorf("voucher %s: %w", v.Code, amt.err)
	}
	return &v, nil
}

func (q *queries) SaveVoucher(ctx context.Context, v voucher.Voucher) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO vouchers (code, amount, is_active, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET amount = excluded.amount, is_active = excluded.is_active`,
		v.Code, v.Amount.String(), v.IsActive, formatTime(nowUTC()))
	if err != nil {
		return fmt.Errorf("save voucher: %w", mapError(err))
	}
	return nil
}
