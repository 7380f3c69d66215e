package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/wallet"
)

// UplinePayer computes commission on an approved reward. Optional.
type UplinePayer interface {
	Upline(ctx context.Context, source wallet.AccountID, base decimal.Decimal) ([]referral.Payout, error)
}

type Engine struct {
	ledger   *wallet.Ledger
	registry *plans.Registry
	catalog  CatalogStore
	blocked  map[string]bool
	upline   UplinePayer
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Engine)

// WithBlockedCountries refuses Start for accounts in these ISO codes.
func WithBlockedCountries(codes []string) Option {
	return func(e *Engine) {
		for _, c := range codes {
			e.blocked[strings.ToUpper(strings.TrimSpace(c))] = true
		}
	}
}

// WithClock sets the clock that defines "today" for the daily limit.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithUplineCommission pays referral commission on approved rewards.
func WithUplineCommission(p UplinePayer) Option {
	return func(e *Engine) { e.upline = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(ledger *wallet.Ledger, registry *plans.Registry, catalog CatalogStore, opts ...Option) *Engine {
	e := &Engine{
		ledger:   ledger,
		registry: registry,
		catalog:  catalog,
		blocked:  make(map[string]bool),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func txStore(tx *wallet.Tx) (Store, error) {
	s, ok := tx.Store().(Store)
	if !ok {
		return nil, wallet.ErrStoreRequired
	}
	return s, nil
}

// =============================================================================
// CATALOG
// =============================================================================

// CreateTask adds a catalog entry.
func (e *Engine) CreateTask(ctx context.Context, title string, reward decimal.Decimal) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if !reward.IsPositive() {
		return nil, fmt.Errorf("%w: reward must be positive", ErrInvalidTask)
	}
	t := Task{
		ID:        uuid.NewString(),
		Title:     title,
		Reward:    reward.Round(0),
		IsActive:  true,
		CreatedAt: e.now().UTC(),
	}
	if err := e.catalog.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

func (e *Engine) ListTasks(ctx context.Context, activeOnly bool) ([]Task, error) {
	return e.catalog.ListTasks(ctx, activeOnly)
}

func (e *Engine) Completions(ctx context.Context, accountID wallet.AccountID) ([]Completion, error) {
	return e.catalog.ListCompletions(ctx, accountID)
}

// =============================================================================
// START
// =============================================================================

// DayBounds returns [start of day, start of next day) for t in t's zone.
// The engine passes its clock unconverted, so "today" is the server's
// calendar day; stored timestamps are UTC and compare as instants.
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return from, from.AddDate(0, 0, 1)
}

// Start moves the account's completion of taskID to IN_PROGRESS,
// creating it on first start and re-arming it after FAILED.
func (e *Engine) Start(ctx context.Context, accountID wallet.AccountID, taskID string) (*Completion, error) {
	acc, err := e.ledger.Store().GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.checkEligible(acc); err != nil {
		return nil, err
	}
	plan, err := e.registry.Resolve(ctx, acc.MembershipPlan)
	if err != nil {
		return nil, err
	}

	var out Completion
	err = e.ledger.Atomically(ctx, func(tx *wallet.Tx) error {
		s, err := txStore(tx)
		if err != nil {
			return err
		}

		locked, err := s.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := e.checkEligible(locked); err != nil {
			return err
		}

		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		if task == nil || !task.IsActive {
			return ErrTaskNotFound
		}

		now := e.now()
		from, to := DayBounds(now)
		done, err := s.CountCompletedBetween(ctx, accountID, from, to)
		if err != nil {
			return fmt.Errorf("count completions: %w", err)
		}
		if done >= plan.TasksPerDay {
			return &DailyLimitError{AccountID: accountID, Completed: done, Limit: plan.TasksPerDay}
		}

		existing, err := s.FindCompletion(ctx, accountID, taskID)
		if err != nil {
			return fmt.Errorf("load completion: %w", err)
		}

		stamp := now.UTC()
		if existing == nil {
			c := Completion{
				ID:        uuid.NewString(),
				AccountID: accountID,
				TaskID:    taskID,
				Status:    StatusPending,
				Reward:    task.Reward,
				CreatedAt: stamp,
			}
			if err := advance(&c, StatusInProgress); err != nil {
				return err
			}
			c.Attempts = 1
			c.StartedAt = &stamp
			c.UpdatedAt = stamp
			if err := s.InsertCompletion(ctx, c); err != nil {
				return fmt.Errorf("insert completion: %w", err)
			}
			out = c
			return nil
		}

		c := *existing
		if err := advance(&c, StatusPending); err != nil {
			return err
		}
		if err := advance(&c, StatusInProgress); err != nil {
			return err
		}
		c.Attempts++
		c.Reward = task.Reward
		c.StartedAt = &stamp
		c.UpdatedAt = stamp
		c.Note = ""
		if err := s.UpdateCompletion(ctx, c); err != nil {
			return fmt.Errorf("update completion: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("task started",
		zap.String("account_id", string(accountID)),
		zap.String("task_id", taskID),
		zap.String("completion_id", out.ID),
		zap.Int("attempts", out.Attempts))
	return &out, nil
}

func (e *Engine) checkEligible(acc *wallet.Account) error {
	if !acc.IsActive() {
		return ErrMembershipInactive
	}
	if e.blocked[strings.ToUpper(acc.Country)] {
		return ErrCountryBlocked
	}
	if !acc.TasksEnabled {
		return ErrTasksDisabled
	}
	return nil
}

func advance(c *Completion, to Status) error {
	if !CanTransition(c.Status, to) {
		return &TransitionError{CompletionID: c.ID, From: c.Status, To: to}
	}
	c.Status = to
	return nil
}

// =============================================================================
// DECISIONS
// =============================================================================

// ApproveResult is the completed record and its reward receipt.
type ApproveResult struct {
	Completion Completion
	Receipt    wallet.Receipt
	Payouts    []referral.Payout
}

// TaskRewardReference is the ledger reference for a completion's reward.
func TaskRewardReference(completionID string) string {
	return completionID
}

// Approve completes an IN_PROGRESS task and credits its reward once.
// The reward must fit in what is left of the plan's dailyTaskEarning.
func (e *Engine) Approve(ctx context.Context, completionID string) (*ApproveResult, error) {
	pending, err := e.catalog.GetCompletion(ctx, completionID)
	if err != nil {
		return nil, fmt.Errorf("load completion: %w", err)
	}
	if pending == nil {
		return nil, ErrCompletionNotFound
	}

	acc, err := e.ledger.Store().GetAccount(ctx, pending.AccountID)
	if err != nil {
		return nil, err
	}
	plan, err := e.registry.Resolve(ctx, acc.MembershipPlan)
	if err != nil {
		return nil, err
	}

	var payouts []referral.Payout
	if e.upline != nil && pending.Status == StatusInProgress {
		payouts, err = e.upline.Upline(ctx, pending.AccountID, pending.Reward)
		if err != nil {
			return nil, err
		}
	}

	var res ApproveResult
	err = e.ledger.Atomically(ctx, func(tx *wallet.Tx) error {
		s, err := txStore(tx)
		if err != nil {
			return err
		}
		c, err := s.GetCompletion(ctx, completionID)
		if err != nil {
			return fmt.Errorf("load completion: %w", err)
		}
		if c == nil {
			return ErrCompletionNotFound
		}
		if err := advance(c, StatusCompleted); err != nil {
			return err
		}
		now := e.now()
		from, to := DayBounds(now)
		earned, err := s.SumRewardsBetween(ctx, c.AccountID, from, to)
		if err != nil {
			return fmt.Errorf("sum rewards: %w", err)
		}
		if limit := plan.DailyTaskEarning; earned.Add(c.Reward).GreaterThan(limit) {
			return &DailyEarningLimitError{AccountID: c.AccountID, Earned: earned, Reward: c.Reward, Limit: limit}
		}
		stamp := now.UTC()
		c.CompletedAt = &stamp
		c.UpdatedAt = stamp
		if err := s.UpdateCompletion(ctx, *c); err != nil {
			return fmt.Errorf("update completion: %w", err)
		}

		receipt, err := tx.Credit(ctx, wallet.Entry{
			AccountID:   c.AccountID,
			Amount:      c.Reward,
			Type:        wallet.TxTaskReward,
			Reference:   TaskRewardReference(c.ID),
			Description: "Task reward for " + c.TaskID,
		})
		if err != nil {
			return err
		}

		if err := referral.CreditUpline(ctx, tx, "task-"+c.ID, c.AccountID, payouts, "task reward"); err != nil {
			return err
		}

		res = ApproveResult{Completion: *c, Receipt: receipt, Payouts: payouts}
		return nil
	})
	if err != nil {
		return nil, err
	}

	referral.RecordPaid(payouts)
	e.logger.Info("task approved",
		zap.String("completion_id", completionID),
		zap.String("account_id", string(res.Completion.AccountID)),
		zap.String("reward", res.Completion.Reward.String()))
	return &res, nil
}

// Reject ends an IN_PROGRESS task without reward.
func (e *Engine) Reject(ctx context.Context, completionID, reason string) (*Completion, error) {
	return e.decide(ctx, completionID, StatusRejected, reason)
}

// Fail marks an IN_PROGRESS task as failed; it can be started again.
func (e *Engine) Fail(ctx context.Context, completionID, reason string) (*Completion, error) {
	return e.decide(ctx, completionID, StatusFailed, reason)
}

func (e *Engine) decide(ctx context.Context, completionID string, to Status, reason string) (*Completion, error) {
	var out Completion
	err := e.ledger.Atomically(ctx, func(tx *wallet.Tx) error {
		s, err := txStore(tx)
		if err != nil {
			return err
		}
		c, err := s.GetCompletion(ctx, completionID)
		if err != nil {
			return fmt.Errorf("load completion: %w", err)
		}
		if c == nil {
			return ErrCompletionNotFound
		}
		if err := advance(c, to); err != nil {
			return err
		}
		c.Note = reason
		c.UpdatedAt = e.now().UTC()
		if err := s.UpdateCompletion(ctx, *c); err != nil {
			return fmt.Errorf("update completion: %w", err)
		}
		out = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("task decided",
		zap.String("completion_id", completionID),
		zap.String("status", string(to)),
		zap.String("reason", reason))
	return &out, nil
}
