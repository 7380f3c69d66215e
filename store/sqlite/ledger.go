package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/commission-engine/wallet"
)

// =============================================================================
// TRANSACTION STORE (wallet.TransactionStore interface)
// =============================================================================

const transactionColumns = `id, account_id, type, pool, amount, status, reference,
	balance_after, description, created_at`

// AppendTransaction inserts a ledger row. Never updates.
func (q *queries) AppendTransaction(ctx context.Context, tx wallet.Transaction) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.AccountID), string(tx.Type), string(tx.Pool),
		tx.Amount.String(), string(tx.Status), tx.Reference,
		tx.BalanceAfter.String(), tx.Description, formatTime(tx.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s %s", wallet.ErrDuplicateReference, tx.Type, tx.Reference)
		}
		return mapError(err)
	}
	return nil
}

func (q *queries) ReferenceExists(ctx context.Context, txType wallet.TransactionType, reference string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_transactions WHERE type = ? AND reference = ?`,
		string(txType), reference).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

// ListTransactions returns newest first; rowid breaks timestamp ties.
func (q *queries) ListTransactions(ctx context.Context, accountID wallet.AccountID, limit int) ([]wallet.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions
		WHERE account_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{string(accountID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []wallet.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row scanner) (wallet.Transaction, error) {
	var (
		tx                                  wallet.Transaction
		id, accountID, txType, pool, status string
		amount, balanceAfter, createdAt     string
	)
	err := row.Scan(&id, &accountID, &txType, &pool, &amount, &status, &tx.Reference,
		&balanceAfter, &tx.Description, &createdAt)
	if err != nil {
		return wallet.Transaction{}, err
	}
	var amt amounts
	tx.ID = wallet.TransactionID(id)
	tx.AccountID = wallet.AccountID(accountID)
	tx.Type = wallet.TransactionType(txType)
	tx.Pool = wallet.Pool(pool)
	tx.Amount = amt.parse(amount)
	tx.Status = wallet.TransactionStatus(status)
	tx.BalanceAfter = amt.parse(balanceAfter)
	tx.CreatedAt = parseTime(createdAt)
	if amt.err != nil {
		return wallet.Transaction{}, fmt.Errorf("transaction %s: %w", id, amt.err)
	}
	return tx, nil
}
