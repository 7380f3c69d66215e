package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/commission-engine/wallet"
	"github.com/warp/commission-engine/withdrawal"
)

// =============================================================================
// WITHDRAWALS (withdrawal.Store, withdrawal.Lister)
// =============================================================================

const withdrawalColumns = `id, account_id, amount, status, payment_method, payment_details,
	transaction_id, note, requested_at, decided_at`

func scanWithdrawal(row scanner) (withdrawal.Request, error) {
	var (
		r                                     withdrawal.Request
		accountID, amount, status, txID, reqd string
		decided                               sql.NullString
	)
	err := row.Scan(&r.ID, &accountID, &amount, &status, &r.PaymentMethod, &r.PaymentDetails,
		&txID, &r.Note, &reqd, &decided)
	if err != nil {
		return withdrawal.Request{}, err
	}
	var amt amounts
	r.AccountID = wallet.AccountID(accountID)
	r.Amount = amt.parse(amount)
	r.Status = withdrawal.Status(status)
	r.TransactionID = wallet.TransactionID(txID)
	r.RequestedAt = parseTime(reqd)
	r.DecidedAt = timePtr(decided)
	if amt.err != nil {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s: %w", r.ID, amt.err)
	}
	return r, nil
}

func (q *queries) CreateWithdrawal(ctx context.Context, r withdrawal.Request) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (`+withdrawalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.AccountID), r.Amount.String(), string(r.Status), r.PaymentMethod, r.PaymentDetails,
		string(r.TransactionID), r.Note, formatTime(r.RequestedAt), nullTime(r.DecidedAt))
	return mapError(err)
}

func (q *queries) GetWithdrawal(ctx context.Context, id string) (*withdrawal.Request, error) {
	r, err := scanWithdrawal(q.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (q *queries) UpdateWithdrawal(ctx context.Context, r withdrawal.Request) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = ?, note = ?, decided_at = ? WHERE id = ?`,
		string(r.Status), r.Note, nullTime(r.DecidedAt), r.ID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return withdrawal.ErrRequestNotFound
	}
	return nil
}

func (q *queries) ListWithdrawals(ctx context.Context, accountID wallet.AccountID) ([]withdrawal.Request, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE account_id = ? ORDER BY requested_at DESC, id`,
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

// =============================================================================
// AUDIT RUNS (wallet.AuditStore)
// =============================================================================

func (q *queries) SaveAuditRun(ctx context.Context, run wallet.AuditRun) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_runs (id, status, accounts, mismatches, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			accounts = excluded.accounts,
			mismatches = excluded.mismatches,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		run.ID, string(run.Status), run.Accounts, run.Mismatches, run.Error,
		formatTime(run.StartedAt), nullTime(run.FinishedAt))
	return mapError(err)
}

func (q *queries) ListAuditRuns(ctx context.Context, limit int) ([]wallet.AuditRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, status, accounts, mismatches, error, started_at, finished_at
		FROM audit_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []wallet.AuditRun
	for rows.Next() {
		var (
			run             wallet.AuditRun
			status, started string
			finished        sql.NullString
		)
		if err := rows.Scan(&run.ID, &status, &run.Accounts, &run.Mismatches, &run.Error, &started, &finished); err != nil {
			return nil, err
		}
		run.Status = wallet.AuditStatus(status)
		run.StartedAt = parseTime(started)
		run.FinishedAt = timePtr(finished)
		out = append(out, run)
	}
	return out, rows.Err()
}
