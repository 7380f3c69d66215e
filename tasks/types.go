/*
Package tasks runs the task completion state machine.

PURPOSE:
  Members start catalog tasks, an operator approves, rejects or fails
  them. Approval pays the task's reward through the wallet ledger in the
  same transaction as the status change, so a reward can't be paid twice
  or without the completion being recorded.

STATE MACHINE:

	(none) ──► PENDING ──► IN_PROGRESS ──► COMPLETED  (reward credited)
	                ▲           │
	                │           ├────────► REJECTED
	                │           │
	                └── FAILED ◄┘

  COMPLETED and REJECTED are terminal. FAILED can be started again,
  which increments Attempts.

LIMITS (checked at Start):
  - membership must be ACTIVE
  - account country must not be blocked
  - tasksEnabled must be true
  - COMPLETED completions with completedAt today < plan tasksPerDay

LIMITS (checked at Approve):
  - rewards completed today + this reward <= plan dailyTaskEarning.
    A refused approval leaves the completion IN_PROGRESS.

SEE ALSO:
  - engine.go: Engine
  - wallet/ledger.go: Atomically, Tx.Credit
*/
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/wallet"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusRejected   Status = "REJECTED"
	StatusFailed     Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusRejected, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// =============================================================================
// TYPES
// =============================================================================

// Task is a catalog entry.
type Task struct {
	ID        string
	Title     string
	Reward    decimal.Decimal
	IsActive  bool
	CreatedAt time.Time
}

// Completion is one account's progress on one task. (AccountID, TaskID)
// is unique.
type Completion struct {
	ID          string
	AccountID   wallet.AccountID
	TaskID      string
	Status      Status
	Reward      decimal.Decimal
	Attempts    int
	Note        string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrTaskNotFound       = fmt.Errorf("task %w", wallet.ErrNotFound)
	ErrCompletionNotFound = fmt.Errorf("task completion %w", wallet.ErrNotFound)
	ErrMembershipInactive = errors.New("membership is not active")
	ErrCountryBlocked     = errors.New("tasks are not available in this country")
	ErrTasksDisabled      = errors.New("tasks are disabled for this account")
	ErrDailyLimitReached  = errors.New("daily task limit reached")
	ErrDailyEarningLimit  = errors.New("daily task earning limit reached")
	ErrInvalidTask        = errors.New("invalid task")
)

// TransitionError is returned for a disallowed status change.
type TransitionError struct {
	CompletionID string
	From         Status
	To           Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task completion %s: cannot move from %s to %s", e.CompletionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return wallet.ErrInvalidTransition
}

// DailyLimitError carries the count that hit the limit.
type DailyLimitError struct {
	AccountID wallet.AccountID
	Completed int
	Limit     int
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("daily task limit reached: %d of %d completed today", e.Completed, e.Limit)
}

func (e *DailyLimitError) Unwrap() error {
	return ErrDailyLimitReached
}

// DailyEarningLimitError is returned by Approve when the reward would
// take the day's task earnings past the plan's dailyTaskEarning.
type DailyEarningLimitError struct {
	AccountID wallet.AccountID
	Earned    decimal.Decimal
	Reward    decimal.Decimal
	Limit     decimal.Decimal
}

func (e *DailyEarningLimitError) Error() string {
	return fmt.Sprintf("daily task earning limit reached: %s earned today, reward %s, limit %s",
		e.Earned, e.Reward, e.Limit)
}

func (e *DailyEarningLimitError) Unwrap() error {
	return ErrDailyEarningLimit
}

// IsRejection reports whether err is a business-rule refusal rather than
// a failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMembershipInactive) ||
		errors.Is(err, ErrCountryBlocked) ||
		errors.Is(err, ErrTasksDisabled) ||
		errors.Is(err, ErrDailyLimitReached) ||
		errors.Is(err, ErrDailyEarningLimit) ||
		errors.Is(err, ErrInvalidTask)
}

// =============================================================================
// STORE
// =============================================================================

// Store is the transaction-scoped view the engine needs. The value
// handed out by wallet.Tx.Store must implement it.
type Store interface {
	wallet.Store

	// GetTask returns nil, nil when missing.
	GetTask(ctx context.Context, id string) (*Task, error)
	// GetCompletion returns nil, nil when missing.
	GetCompletion(ctx context.Context, id string) (*Completion, error)
	// FindCompletion returns nil, nil when the account never started the task.
	FindCompletion(ctx context.Context, accountID wallet.AccountID, taskID string) (*Completion, error)
	InsertCompletion(ctx context.Context, c Completion) error
	UpdateCompletion(ctx context.Context, c Completion) error
	// CountCompletedBetween counts COMPLETED completions with
	// from <= completedAt < to.
	CountCompletedBetween(ctx context.Context, accountID wallet.AccountID, from, to time.Time) (int, error)
	// SumRewardsBetween totals Reward over the same completions.
	SumRewardsBetween(ctx context.Context, accountID wallet.AccountID, from, to time.Time) (decimal.Decimal, error)
}

// CatalogStore manages tasks outside any ledger transaction.
type CatalogStore interface {
	CreateTask(ctx context.Context, t Task) error
	ListTasks(ctx context.Context, activeOnly bool) ([]Task, error)
	GetCompletion(ctx context.Context, id string) (*Completion, error)
	ListCompletions(ctx context.Context, accountID wallet.AccountID) ([]Completion, error)
}
