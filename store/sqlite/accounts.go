package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/wallet"
)

// =============================================================================
// ACCOUNT STORE (wallet.AccountStore, referral.DirectoryStore)
// =============================================================================

const accountColumns = `id, referral_code, referred_by, balance, available_voucher_pkr,
	membership_plan, membership_status, country, tasks_enabled, minimum_withdrawal,
	created_at, updated_at`

func scanAccount(row scanner) (wallet.Account, error) {
	var (
		a                 wallet.Account
		id, status        string
		referredBy, minWd sql.NullString
		balance, voucher  string
		created, updated  string
	)
	err := row.Scan(&id, &a.ReferralCode, &referredBy, &balance, &voucher,
		&a.MembershipPlan, &status, &a.Country, &a.TasksEnabled, &minWd,
		&created, &updated)
	if err != nil {
		return wallet.Account{}, err
	}
	var amt amounts
	a.ID = wallet.AccountID(id)
	a.ReferredBy = referredBy.String
	a.Balance = amt.parse(balance)
	a.AvailableVoucherPKR = amt.parse(voucher)
	a.MembershipStatus = wallet.MembershipStatus(status)
	a.MinimumWithdrawal = amt.parseNull(minWd)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	if amt.err != nil {
		return wallet.Account{}, fmt.Errorf("account %s: %w", id, amt.err)
	}
	return a, nil
}

func (q *queries) GetAccount(ctx context.Context, id wallet.AccountID) (*wallet.Account, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, string(id))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wallet.ErrAccountNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

// LockAccount reads the row. Inside WithTx the IMMEDIATE transaction
// already holds the database write lock.
func (q *queries) LockAccount(ctx context.Context, id wallet.AccountID) (*wallet.Account, error) {
	return q.GetAccount(ctx, id)
}

func (q *queries) SetBalances(ctx context.Context, id wallet.AccountID, cash, voucher decimal.Decimal) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, available_voucher_pkr = ?, updated_at = ?
		WHERE id = ?`,
		cash.String(), voucher.String(), formatTime(nowUTC()), string(id))
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wallet.ErrAccountNotFound
	}
	return nil
}

func (q *queries) ListAccounts(ctx context.Context) ([]wallet.Account, error) {
	return q.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
}

func (q *queries) queryAccounts(ctx context.Context, query string, args ...any) ([]wallet.Account, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []wallet.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *queries) GetAccountByReferralCode(ctx context.Context, code string) (*wallet.Account, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = ?`, code)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

// ListReferrals runs one query for a whole tree level.
func (q *queries) ListReferrals(ctx context.Context, codes []string) ([]wallet.Account, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	args := make([]any, len(codes))
	for i, c := range codes {
		args[i] = c
	}
	return q.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE referred_by IN (`+placeholders(len(codes))+`)
		 ORDER BY created_at, id`, args...)
}

func (q *queries) CreateAccount(ctx context.Context, a wallet.Account) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), a.ReferralCode, nullString(a.ReferredBy),
		a.Balance.String(), a.AvailableVoucherPKR.String(),
		a.MembershipPlan, string(a.MembershipStatus), a.Country, a.TasksEnabled,
		nullDecimal(a.MinimumWithdrawal), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", referral.ErrReferralCodeTaken, a.ReferralCode)
		}
		return mapError(err)
	}
	return nil
}

func (q *queries) UpdateAccountSettings(ctx context.Context, a wallet.Account) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET tasks_enabled = ?, country = ?, minimum_withdrawal = ?, updated_at = ?
		WHERE id = ?`,
		a.TasksEnabled, a.Country, nullDecimal(a.MinimumWithdrawal), formatTime(a.UpdatedAt), string(a.ID))
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wallet.ErrAccountNotFound
	}
	return nil
}

// ActivateMembership implements referral.MembershipStore.
func (q *queries) ActivateMembership(ctx context.Context, id wallet.AccountID, plan string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET membership_plan = ?, membership_status = ?, updated_at = ?
		WHERE id = ?`,
		plan, string(wallet.MembershipActive), formatTime(nowUTC()), string(id))
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wallet.ErrAccountNotFound
	}
	return nil
}

// SetSponsor rewrites an account's sponsor edge. Signup sets the edge
// once; this exists so tests can build trees signup refuses, such as
// cycles.
func (q *queries) SetSponsor(ctx context.Context, id wallet.AccountID, code string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE accounts SET referred_by = ? WHERE id = ?`, nullString(code), string(id))
	return mapError(err)
}
