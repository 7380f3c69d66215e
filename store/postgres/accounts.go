package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/wallet"
)

const accountSelect = `SELECT id, referral_code, referred_by, balance::text, available_voucher_pkr::text,
	membership_plan, membership_status, country, tasks_enabled, minimum_withdrawal::text,
	created_at, updated_at FROM accounts`

func scanAccount(row scanner) (wallet.Account, error) {
	var (
		a                wallet.Account
		id, status       string
		referredBy       *string
		balance, voucher string
		minWd            *string
	)
	err := row.Scan(&id, &a.ReferralCode, &referredBy, &balance, &voucher,
		&a.MembershipPlan, &status, &a.Country, &a.TasksEnabled, &minWd,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return wallet.Account{}, err
	}
	var amt amounts
	a.ID = wallet.AccountID(id)
	if referredBy != nil {
		a.ReferredBy = *referredBy
	}
	a.Balance = amt.parse(balance)
	a.AvailableVoucherPKR = amt.parse(voucher)
	a.MembershipStatus = wallet.MembershipStatus(status)
	a.MinimumWithdrawal = amt.parseNull(minWd)
	if amt.err != nil {
		return wallet.Account{}, fmt.Errorf("account %s: %w", id, amt.err)
	}
	return a, nil
}

func (q *queries) getAccount(ctx context.Context, query string, id wallet.AccountID) (*wallet.Account, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wallet.ErrAccountNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

func (q *queries) GetAccount(ctx context.Context, id wallet.AccountID) (*wallet.Account, error) {
	return q.getAccount(ctx, accountSelect+` WHERE id = $1`, id)
}

// LockAccount holds the row lock until the surrounding transaction ends.
func (q *queries) LockAccount(ctx context.Context, id wallet.AccountID) (*wallet.Account, error) {
	return q.getAccount(ctx, accountSelect+` WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) SetBalances(ctx context.Context, id wallet.AccountID, cash, voucher decimal.Decimal) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE accounts SET balance = $1, available_voucher_pkr = $2, updated_at = $3 WHERE id = $4`,
		cash.String(), voucher.String(), nowUTC(), string(id))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return wallet.ErrAccountNotFound
	}
	return nil
}

func (q *queries) ListAccounts(ctx context.Context) ([]wallet.Account, error) {
	return q.queryAccounts(ctx, accountSelect+` ORDER BY created_at, id`)
}

func (q *queries) queryAccounts(ctx context.Context, query string, args ...any) ([]wallet.Account, error) {
	rows, err := q.db.Query(ctx, query, args...)
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
	a, err := scanAccount(q.db.QueryRow(ctx, accountSelect+` WHERE referral_code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

func (q *queries) ListReferrals(ctx context.Context, codes []string) ([]wallet.Account, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	return q.queryAccounts(ctx, accountSelect+` WHERE referred_by = ANY($1) ORDER BY created_at, id`, codes)
}

func (q *queries) CreateAccount(ctx context.Context, a wallet.Account) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO accounts (id, referral_code, referred_by, balance, available_voucher_pkr,
			membership_plan, membership_status, country, tasks_enabled, minimum_withdrawal,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(a.ID), a.ReferralCode, nullText(a.ReferredBy),
		a.Balance.String(), a.AvailableVoucherPKR.String(),
		a.MembershipPlan, string(a.MembershipStatus), a.Country, a.TasksEnabled,
		nullAmount(a.MinimumWithdrawal), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", referral.ErrReferralCodeTaken, a.ReferralCode)
	}
	return mapError(err)
}

func (q *queries) UpdateAccountSettings(ctx context.Context, a wallet.Account) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE accounts SET tasks_enabled = $1, country = $2, minimum_withdrawal = $3, updated_at = $4
		WHERE id = $5`,
		a.TasksEnabled, a.Country, nullAmount(a.MinimumWithdrawal), a.UpdatedAt.UTC(), string(a.ID))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return wallet.ErrAccountNotFound
	}
	return nil
}

func (q *queries) ActivateMembership(ctx context.Context, id wallet.AccountID, plan string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE accounts SET membership_plan = $1, membership_status = $2, updated_at = $3 WHERE id = $4`,
		plan, string(wallet.MembershipActive), nowUTC(), string(id))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return wallet.ErrAccountNotFound
	}
	return nil
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

const transactionSelect = `SELECT id, account_id, type, pool, amount::text, status, reference,
	balance_after::text, description, created_at FROM ledger_transactions`

func (q *queries) AppendTransaction(ctx context.Context, tx wallet.Transaction) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO ledger_transactions (id, account_id, type, pool, amount, status, reference,
			balance_after, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(tx.ID), string(tx.AccountID), string(tx.Type), string(tx.Pool),
		tx.Amount.String(), string(tx.Status), tx.Reference,
		tx.BalanceAfter.String(), tx.Description, tx.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s", wallet.ErrDuplicateReference, tx.Type, tx.Reference)
	}
	return mapError(err)
}

func (q *queries) ReferenceExists(ctx context.Context, txType wallet.TransactionType, reference string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE type = $1 AND reference = $2)`,
		string(txType), reference).Scan(&exists)
	return exists, mapError(err)
}

func (q *queries) ListTransactions(ctx context.Context, accountID wallet.AccountID, limit int) ([]wallet.Transaction, error) {
	query := transactionSelect + ` WHERE account_id = $1 ORDER BY created_at DESC, seq DESC`
	args := []any{string(accountID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []wallet.Transaction
	for rows.Next() {
		var (
			tx                              wallet.Transaction
			id, owner, txType, pool, status string
			amount, balanceAfter            string
		)
		if err := rows.Scan(&id, &owner, &txType, &pool, &amount, &status, &tx.Reference,
			&balanceAfter, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, err
		}
		var amt amounts
		tx.ID = wallet.TransactionID(id)
		tx.AccountID = wallet.AccountID(owner)
		tx.Type = wallet.TransactionType(txType)
		tx.Pool = wallet.Pool(pool)
		tx.Amount = amt.parse(amount)
		tx.Status = wallet.TransactionStatus(status)
		tx.BalanceAfter = amt.parse(balanceAfter)
		if amt.err != nil {
			return nil, fmt.Errorf("transaction %s: %w", id, amt.err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}
