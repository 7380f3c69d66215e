package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/tasks"
	"github.com/warp/commission-engine/wallet"
)

// =============================================================================
// TASK CATALOG (tasks.CatalogStore)
// =============================================================================

func (q *queries) CreateTask(ctx context.Context, t tasks.Task) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, reward, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Reward.String(), t.IsActive, formatTime(t.CreatedAt))
	return mapError(err)
}

func scanTask(row scanner) (tasks.Task, error) {
	var (
		t               tasks.Task
		reward, created string
	)
	if err := row.Scan(&t.ID, &t.Title, &reward, &t.IsActive, &created); err != nil {
		return tasks.Task{}, err
	}
	var amt amounts
	if t.Reward = amt.parse(reward); amt.err != nil {
		return tasks.Task{}, fmt.Errorf("task %s: %w", t.ID, amt.err)
	}
	t.CreatedAt = parseTime(created)
	return t, nil
}

func (q *queries) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	t, err := scanTask(q.db.QueryRowContext(ctx,
		`SELECT id, title, reward, is_active, created_at FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (q *queries) ListTasks(ctx context.Context, activeOnly bool) ([]tasks.Task, error) {
	query := `SELECT id, title, reward, is_active, created_at FROM tasks`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.db.QueryContext(ctx, query)
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

// =============================================================================
// TASK COMPLETIONS (tasks.Store)
// =============================================================================

const completionColumns = `id, account_id, task_id, status, reward, attempts, note,
	started_at, completed_at, created_at, updated_at`

func scanCompletion(row scanner) (tasks.Completion, error) {
	var (
		c                         tasks.Completion
		accountID, status, reward string
		started, completed        sql.NullString
		created, updated          string
	)
	err := row.Scan(&c.ID, &accountID, &c.TaskID, &status, &reward, &c.Attempts, &c.Note,
		&started, &completed, &created, &updated)
	if err != nil {
		return tasks.Completion{}, err
	}
	c.AccountID = wallet.AccountID(accountID)
	c.Status = tasks.Status(status)
	var amt amounts
	if c.Reward = amt.parse(reward); amt.err != nil {
		return tasks.Completion{}, fmt.Errorf("task completion %s: %w", c.ID, amt.err)
	}
	c.StartedAt = timePtr(started)
	c.CompletedAt = timePtr(completed)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

func (q *queries) getCompletion(ctx context.Context, where string, args ...any) (*tasks.Completion, error) {
	c, err := scanCompletion(q.db.QueryRowContext(ctx,
		`SELECT `+completionColumns+` FROM task_completions WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func (q *queries) GetCompletion(ctx context.Context, id string) (*tasks.Completion, error) {
	return q.getCompletion(ctx, `id = ?`, id)
}

func (q *queries) FindCompletion(ctx context.Context, accountID wallet.AccountID, taskID string) (*tasks.Completion, error) {
	return q.getCompletion(ctx, `account_id = ? AND task_id = ?`, string(accountID), taskID)
}

func (q *queries) InsertCompletion(ctx context.Context, c tasks.Completion) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO task_completions (`+completionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.AccountID), c.TaskID, string(c.Status), c.Reward.String(), c.Attempts, c.Note,
		nullTime(c.StartedAt), nullTime(c.CompletedAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if isUniqueConstraintError(err) {
		return &tasks.TransitionError{CompletionID: c.ID, From: tasks.StatusInProgress, To: c.Status}
	}
	return mapError(err)
}

func (q *queries) UpdateCompletion(ctx context.Context, c tasks.Completion) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE task_completions SET status = ?, reward = ?, attempts = ?, note = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(c.Status), c.Reward.String(), c.Attempts, c.Note,
		nullTime(c.StartedAt), nullTime(c.CompletedAt), formatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tasks.ErrCompletionNotFound
	}
	return nil
}

// CountCompletedBetween counts completions with from <= completed_at < to.
func (q *queries) CountCompletedBetween(ctx context.Context, accountID wallet.AccountID, from, to time.Time) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_completions
		WHERE account_id = ? AND status = ? AND completed_at >= ? AND completed_at < ?`,
		string(accountID), string(tasks.StatusCompleted), formatTime(from), formatTime(to)).Scan(&n)
	return n, mapError(err)
}

// SumRewardsBetween totals the rewards of the completions
// CountCompletedBetween counts. Amounts are TEXT, so they're summed here
// rather than by SQLite's floating-point SUM.
func (q *queries) SumRewardsBetween(ctx context.Context, accountID wallet.AccountID, from, to time.Time) (decimal.Decimal, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT reward FROM task_completions
		WHERE account_id = ? AND status = ? AND completed_at >= ? AND completed_at < ?`,
		string(accountID), string(tasks.StatusCompleted), formatTime(from), formatTime(to))
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	defer rows.Close()

	var (
		total decimal.Decimal
		amt   amounts
	)
	for rows.Next() {
		var reward string
		if err := rows.Scan(&reward); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amt.parse(reward))
	}
	if amt.err != nil {
		return decimal.Zero, amt.err
	}
	return total, rows.Err()
}

// CountCompletedTasks implements wallet.CompletionCounter.
func (q *queries) CountCompletedTasks(ctx context.Context, accountID wallet.AccountID) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_completions WHERE account_id = ? AND status = ?`,
		string(accountID), string(tasks.StatusCompleted)).Scan(&n)
	return n, mapError(err)
}

func (q *queries) ListCompletions(ctx context.Context, accountID wallet.AccountID) ([]tasks.Completion, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+completionColumns+` FROM task_completions WHERE account_id = ? ORDER BY created_at DESC, id`,
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
