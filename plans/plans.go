/*
Package plans resolves membership plan parameters by name.

PURPOSE:
  Enrollment needs a plan's price, tasks need tasksPerDay, withdrawals
  need minimumWithdrawal. Administrators can persist their own plan rows;
  an active persisted row wins over the built-in default of the same
  name, an inactive one is ignored.

BUILT-IN DEFAULTS:
  | Plan     | price | daily | tasks/day | min withdrawal | voucher |
  | BASIC    | 1000  | 50    | 5         | 2000           | 500     |
  | STANDARD | 3000  | 150   | 5         | 4000           | 1000    |
  | PREMIUM  | 8000  | 400   | 5         | 10000          | 2000    |

SEE ALSO:
  - withdrawal/service.go: MinimumFor resolution order
  - referral/enrollment.go: price as commission base
*/
package plans

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	Basic    = "BASIC"
	Standard = "STANDARD"
	Premium  = "PREMIUM"
)

// DefaultMinimumWithdrawal applies when nothing else names a minimum.
var DefaultMinimumWithdrawal = decimal.NewFromInt(2000)

var (
	ErrUnknownPlan = errors.New("unknown membership plan")
	ErrInvalidPlan = errors.New("invalid membership plan")
)

// =============================================================================
// PLAN
// =============================================================================

type Plan struct {
	Name              string
	Price             decimal.Decimal
	DailyTaskEarning  decimal.Decimal
	TasksPerDay       int
	MinimumWithdrawal decimal.Decimal
	VoucherAmount     decimal.Decimal
	IsActive          bool
}

// Validate checks a plan before it is persisted.
func (p Plan) Validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPlan)
	case p.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", ErrInvalidPlan)
	case p.DailyTaskEarning.IsNegative():
		return fmt.Errorf("%w: daily task earning must not be negative", ErrInvalidPlan)
	case p.TasksPerDay < 0:
		return fmt.Errorf("%w: tasks per day must not be negative", ErrInvalidPlan)
	case p.MinimumWithdrawal.IsNegative():
		return fmt.Errorf("%w: minimum withdrawal must not be negative", ErrInvalidPlan)
	case p.VoucherAmount.IsNegative():
		return fmt.Errorf("%w: voucher amount must not be negative", ErrInvalidPlan)
	}
	return nil
}

func pkr(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

var defaults = map[string]Plan{
	Basic: {
		Name: Basic, Price: pkr(1000), DailyTaskEarning: pkr(50), TasksPerDay: 5,
		MinimumWithdrawal: pkr(2000), VoucherAmount: pkr(500), IsActive: true,
	},
	Standard: {
		Name: Standard, Price: pkr(3000), DailyTaskEarning: pkr(150), TasksPerDay: 5,
		MinimumWithdrawal: pkr(4000), VoucherAmount: pkr(1000), IsActive: true,
	},
	Premium: {
		Name: Premium, Price: pkr(8000), DailyTaskEarning: pkr(400), TasksPerDay: 5,
		MinimumWithdrawal: pkr(10000), VoucherAmount: pkr(2000), IsActive: true,
	},
}

// Default returns the built-in plan for name.
func Default(name string) (Plan, bool) {
	p, ok := defaults[Normalize(name)]
	return p, ok
}

// FallbackMinimum is the withdrawal minimum used when the registry can't
// resolve the plan.
func FallbackMinimum(name string) decimal.Decimal {
	if p, ok := defaults[Normalize(name)]; ok {
		return p.MinimumWithdrawal
	}
	return DefaultMinimumWithdrawal
}

// Normalize upper-cases and trims a plan name.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// =============================================================================
// STORE / REGISTRY
// =============================================================================

// Store persists administrator-defined plans.
type Store interface {
	// GetPlan returns nil, nil when no row exists.
	GetPlan(ctx context.Context, name string) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
	// SavePlan inserts or updates by name.
	SavePlan(ctx context.Context, p Plan) error
}

type Registry struct {
	store Store
}

// NewRegistry returns a registry. A nil store serves defaults only.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Resolve returns the effective plan for name.
func (r *Registry) Resolve(ctx context.Context, name string) (Plan, error) {
	name = Normalize(name)
	if name == "" {
		return Plan{}, ErrUnknownPlan
	}

	if r.store != nil {
		p, err := r.store.GetPlan(ctx, name)
		if err != nil {
			return Plan{}, fmt.Errorf("load plan %s: %w", name, err)
		}
		if p != nil && p.IsActive {
			return *p, nil
		}
	}

	if p, ok := defaults[name]; ok {
		return p, nil
	}
	return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, name)
}

// List returns the effective plan set, sorted by price.
func (r *Registry) List(ctx context.Context) ([]Plan, error) {
	effective := make(map[string]Plan, len(defaults))
	for name, p := range defaults {
		effective[name] = p
	}

	if r.store != nil {
		stored, err := r.store.ListPlans(ctx)
		if err != nil {
			return nil, fmt.Errorf("list plans: %w", err)
		}
		for _, p := range stored {
			if p.IsActive {
				effective[p.Name] = p
			}
		}
	}

	out := make([]Plan, 0, len(effective))
	for _, p := range effective {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Price.Equal(out[j].Price) {
			return out[i].Price.LessThan(out[j].Price)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Save persists a plan override.
func (r *Registry) Save(ctx context.Context, p Plan) error {
	if r.store == nil {
		return errors.New("plan registry has no store")
	}
	p.Name = Normalize(p.Name)
	if err := p.Validate(); err != nil {
		return err
	}
	return r.store.SavePlan(ctx, p)
}
