package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/tasks"
	"github.com/warp/commission-engine/voucher"
	"github.com/warp/commission-engine/wallet"
	"github.com/warp/commission-engine/withdrawal"
)

// =============================================================================
// RATES & PLANS
// =============================================================================

func (q *queries) ListCommissionRates(ctx context.Context) ([]referral.CommissionLevelRate, error) {
	rows, err := q.db.Query(ctx, `SELECT level, rate::text, is_active FROM commission_level_rates ORDER BY level`)
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

func (q *queries) ReplaceCommissionRates(ctx context.Context, rates []referral.CommissionLevelRate) error {
	return q.atomic(ctx, func(q *queries) error {
		if _, err := q.db.Exec(ctx, `DELETE FROM commission_level_rates`); err != nil {
			return mapError(err)
		}
		for _, r := range rates {
			if _, err := q.db.Exec(ctx,
				`INSERT INTO commission_level_rates (level, rate, is_active) VALUES ($1, $2, $3)`,
				r.Level, r.Rate.String(), r.IsActive); err != nil {
				return mapError(err)
			}
		}
		return nil
	})
}

const planSelect = `SELECT name, price::text, daily_task_earning::text, tasks_per_day,
	minimum_withdrawal::text, voucher_amount::text, is_active FROM membership_plans`

func scanPlan(row scanner) (plans.Plan, error) {
	var (
		p                           plans.Plan
		price, daily, minWd, amount string
	)
	if err := row.Scan(&p.Name, &price, &daily, &p.TasksPerDay, &minWd, &amount, &p.IsActive); err != nil {
		return plans.Plan{}, err
	}
	var amt amounts
	p.Price = amt.parse(price)
	p.DailyTaskEarning = amt.parse(daily)
	p.MinimumWithdrawal = amt.parse(minWd)
	p.VoucherAmount = amt.parse(amount)
	if amt.err != nil {
		return plans.Plan{}, fmt.Errorf("plan %s: %w", p.Name, amt.err)
	}
	return p, nil
}

func (q *queries) GetPlan(ctx context.Context, name string) (*plans.Plan, error) {
	p, err := scanPlan(q.db.QueryRow(ctx, planSelect+` WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (q *queries) ListPlans(ctx context.Context) ([]plans.Plan, error) {
	rows, err := q.db.Query(ctx, planSelect+` ORDER BY name`)
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

func (q *queries) SavePlan(ctx context.Context, p plans.Plan) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO membership_plans (name, price, daily_task_earning, tasks_per_day,
			minimum_withdrawal, voucher_amount, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			price = EXCLUDED.price,
			daily_task_earning = EXCLUDED.daily_task_earning,
			tasks_per_day = EXCLUDED.tasks_per_day,
			minimum_withdrawal = EXCLUDED.minimum_withdrawal,
			voucher_amount = EXCLUDED.voucher_amount,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		p.Name, p.Price.String(), p.DailyTaskEarning.String(), p.TasksPerDay,
		p.MinimumWithdrawal.String(), p.VoucherAmount.String(), p.IsActive, nowUTC())
	return mapError(err)
}

// =============================================================================
// VOUCHERS
// =============================================================================

func (q *queries) GetVoucher(ctx context.Context, code string) (*voucher.Voucher, error) {
	var (
		v      voucher.Voucher
		amount string
	)
	err := q.db.QueryRow(ctx, `SELECT code, amount::text, is_active FROM vouchers WHERE code = $1`, code).
		Scan(&v.Code, &amount, &v.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err := q.db.Exec(ctx, `
		INSERT INTO vouchers (code, amount, is_active, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET amount = EXCLUDED.amount, is_active = EXCLUDED.is_active`,
		v.Code, v.Amount.String(), v.IsActive, nowUTC())
	return mapError(err)
}

// =============================================================================
// TASKS & COMPLETIONS
// =============================================================================

const taskSelect = `SELECT id, title, reward::text, is_active, created_at FROM tasks`

func scanTask(row scanner) (tasks.Task, error) {
	var (
		t      tasks.Task
		reward string
	)
	if err := row.Scan(&t.ID, &t.Title, &reward, &t.IsActive, &t.CreatedAt); err != nil {
		return tasks.Task{}, err
	}
	var amt amounts
	if t.Reward = amt.parse(reward); amt.err != nil {
		return tasks.Task{}, fmt.Errorf("task %s: %w", t.ID, amt.err)
	}
	return t, nil
}

func (q *queries) CreateTask(ctx context.Context, t tasks.Task) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO tasks (id, title, reward, is_active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Title, t.Reward.String(), t.IsActive, t.CreatedAt.UTC())
	return mapError(err)
}

func (q *queries) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	t, err := scanTask(q.db.QueryRow(ctx, taskSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (q *queries) ListTasks(ctx context.Context, activeOnly bool) ([]tasks.Task, error) {
	query := taskSelect
	if activeOnly {
		query += ` WHERE is_active`
	}
	rows, err := q.db.Query(ctx, query+` ORDER BY created_at, id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const completionSelect = `SELECT id, account_id, task_id, status, reward::text, attempts, note,
	started_at, completed_at, created_at, updated_at FROM task_completions`

func scanCompletion(row scanner) (tasks.Completion, error) {
	var (
		c                     tasks.Completion
		owner, status, reward string
	)
	err := row.Scan(&c.ID, &owner, &c.TaskID, &status, &reward, &c.Attempts, &c.Note,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return tasks.Completion{}, err
	}
	c.AccountID = wallet.AccountID(owner)
	c.Status = tasks.Status(status)
	var amt amounts
	if c.Reward = amt.parse(reward); amt.err != nil {
		return tasks.Completion{}, fmt.Errorf("task completion %s: %w", c.ID, amt.err)
	}
	return c, nil
}

func (q *queries) getCompletion(ctx context.Context, where string, args ...any) (*tasks.Completion, error) {
	c, err := scanCompletion(q.db.QueryRow(ctx, completionSelect+` WHERE `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func (q *queries) GetCompletion(ctx context.Context, id string) (*tasks.Completion, error) {
	return q.getCompletion(ctx, `id = $1`, id)
}

func (q *queries) FindCompletion(ctx context.Context, accountID wallet.AccountID, taskID string) (*tasks.Completion, error) {
	return q.getCompletion(ctx, `account_id = $1 AND task_id = $2`, string(accountID), taskID)
}

func (q *queries) InsertCompletion(ctx context.Context, c tasks.Completion) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO task_completions (id, account_id, task_id, status, reward, attempts, note,
			started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, string(c.AccountID), c.TaskID, string(c.Status), c.Reward.String(), c.Attempts, c.Note,
		utcPtr(c.StartedAt), utcPtr(c.CompletedAt), c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return &tasks.TransitionError{CompletionID: c.ID, From: tasks.StatusInProgress, To: c.Status}
	}
	return mapError(err)
}

func (q *queries) UpdateCompletion(ctx context.Context, c tasks.Completion) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE task_completions SET status = $1, reward = $2, attempts = $3, note = $4,
			started_at = $5, completed_at = $6, updated_at = $7
		WHERE id = $8`,
		string(c.Status), c.Reward.String(), c.Attempts, c.Note,
		utcPtr(c.StartedAt), utcPtr(c.CompletedAt), c.UpdatedAt.UTC(), c.ID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return tasks.ErrCompletionNotFound
	}
	return nil
}

func (q *queries) CountCompletedBetween(ctx context.Context, accountID wallet.AccountID, from, to time.Time) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM task_completions
		WHERE account_id = $1 AND status = $2 AND completed_at >= $3 AND completed_at < $4`,
		string(accountID), string(tasks.StatusCompleted), from, to).Scan(&n)
	return n, mapError(err)
}

func (q *queries) SumRewardsBetween(ctx context.Context, accountID wallet.AccountID, from, to time.Time) (decimal.Decimal, error) {
	var total string
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(reward), 0)::text FROM task_completions
		WHERE account_id = $1 AND status = $2 AND completed_at >= $3 AND completed_at < $4`,
		string(accountID), string(tasks.StatusCompleted), from, to).Scan(&total)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	return wallet.ParseAmount(total)
}

func (q *queries) CountCompletedTasks(ctx context.Context, accountID wallet.AccountID) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_completions WHERE account_id = $1 AND status = $2`,
		string(accountID), string(tasks.StatusCompleted)).Scan(&n)
	return n, mapError(err)
}

func (q *queries) ListCompletions(ctx context.Context, accountID wallet.AccountID) ([]tasks.Completion, error) {
	rows, err := q.db.Query(ctx, completionSelect+` WHERE account_id = $1 ORDER BY created_at DESC, id`,
		string(accountID))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []tasks.Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// WITHDRAWALS & AUDIT RUNS
// =============================================================================

const withdrawalSelect = `SELECT id, account_id, amount::text, status, payment_method, payment_details,
	transaction_id, note, requested_at, decided_at FROM withdrawal_requests`

func scanWithdrawal(row scanner) (withdrawal.Request, error) {
	var (
		r                           withdrawal.Request
		owner, amount, status, txID string
	)
	err := row.Scan(&r.ID, &owner, &amount, &status, &r.PaymentMethod, &r.PaymentDetails,
		&txID, &r.Note, &r.RequestedAt, &r.DecidedAt)
	if err != nil {
		return withdrawal.Request{}, err
	}
	var amt amounts
	r.AccountID = wallet.AccountID(owner)
	r.Amount = amt.parse(amount)
	r.Status = withdrawal.Status(status)
	r.TransactionID = wallet.TransactionID(txID)
	if amt.err != nil {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s: %w", r.ID, amt.err)
	}
	return r, nil
}

func (q *queries) CreateWithdrawal(ctx context.Context, r withdrawal.Request) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO withdrawal_requests (id, account_id, amount, status, payment_method, payment_details,
			transaction_id, note, requested_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, string(r.AccountID), r.Amount.String(), string(r.Status), r.PaymentMethod, r.PaymentDetails,
		string(r.TransactionID), r.Note, r.RequestedAt.UTC(), utcPtr(r.DecidedAt))
	return mapError(err)
}

func (q *queries) GetWithdrawal(ctx context.Context, id string) (*withdrawal.Request, error) {
	r, err := scanWithdrawal(q.db.QueryRow(ctx, withdrawalSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (q *queries) UpdateWithdrawal(ctx context.Context, r withdrawal.Request) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE withdrawal_requests SET status = $1, note = $2, decided_at = $3 WHERE id = $4`,
		string(r.Status), r.Note, utcPtr(r.DecidedAt), r.ID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return withdrawal.ErrRequestNotFound
	}
	return nil
}

func (q *queries) ListWithdrawals(ctx context.Context, accountID wallet.AccountID) ([]withdrawal.Request, error) {
	rows, err := q.db.Query(ctx, withdrawalSelect+` WHERE account_id = $1 ORDER BY requested_at DESC, id`,
		string(accountID))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []withdrawal.Request
	for rows.Next() {
		r, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) SaveAuditRun(ctx context.Context, run wallet.AuditRun) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_runs (id, status, accounts, mismatches, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			accounts = EXCLUDED.accounts,
			mismatches = EXCLUDED.mismatches,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		run.ID, string(run.Status), run.Accounts, run.Mismatches, run.Error,
		run.StartedAt.UTC(), utcPtr(run.FinishedAt))
	return mapError(err)
}

func (q *queries) ListAuditRuns(ctx context.Context, limit int) ([]wallet.AuditRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, status, accounts, mismatches, error, started_at, finished_at
		FROM audit_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []wallet.AuditRun
	for rows.Next() {
		var (
			run    wallet.AuditRun
			status string
		)
		if err := rows.Scan(&run.ID, &status, &run.Accounts, &run.Mismatches, &run.Error,
			&run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.Status = wallet.AuditStatus(status)
		out = append(out, run)
	}
	return out, rows.Err()
}
