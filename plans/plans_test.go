package plans_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/plans"
)

type fakeStore struct {
	plans map[string]plans.Plan
	err   error
}

func (f *fakeStore) GetPlan(_ context.Context, name string) (*plans.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.plans[name]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeStore) ListPlans(context.Context) ([]plans.Plan, error) {
	var out []plans.Plan
	for _, p := range f.plans {
		out = append(out, p)
	}
	return out, f.err
}

func (f *fakeStore) SavePlan(_ context.Context, p plans.Plan) error {
	if f.plans == nil {
		f.plans = map[string]plans.Plan{}
	}
	f.plans[p.Name] = p
	return nil
}

func TestResolve_Defaults(t *testing.T) {
	r := plans.NewRegistry(nil)

	p, err := r.Resolve(context.Background(), "standard")
	require.NoError(t, err)
	assert.Equal(t, plans.Standard, p.Name)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(3000)))
	assert.True(t, p.MinimumWithdrawal.Equal(decimal.NewFromInt(4000)))
	assert.Equal(t, 5, p.TasksPerDay)
}

func TestResolve_Unknown(t *testing.T) {
	r := plans.NewRegistry(nil)

	_, err := r.Resolve(context.Background(), "GOLD")
	assert.True(t, errors.Is(err, plans.ErrUnknownPlan))

	_, err = r.Resolve(context.Background(), "")
	assert.True(t, errors.Is(err, plans.ErrUnknownPlan))
}

func TestResolve_PersistedOverridesDefault(t *testing.T) {
	// GIVEN: an active persisted BASIC and an inactive persisted PREMIUM
	store := &fakeStore{plans: map[string]plans.Plan{
		plans.Basic:   {Name: plans.Basic, Price: decimal.NewFromInt(1200), TasksPerDay: 8, IsActive: true},
		plans.Premium: {Name: plans.Premium, Price: decimal.NewFromInt(1), IsActive: false},
		"GOLD":        {Name: "GOLD", Price: decimal.NewFromInt(20000), IsActive: true},
	}}
	r := plans.NewRegistry(store)
	ctx := context.Background()

	// THEN: active rows win, inactive rows fall back to defaults
	basic, err := r.Resolve(ctx, plans.Basic)
	require.NoError(t, err)
	assert.True(t, basic.Price.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, 8, basic.TasksPerDay)

	premium, err := r.Resolve(ctx, plans.Premium)
	require.NoError(t, err)
	assert.True(t, premium.Price.Equal(decimal.NewFromInt(8000)))

	gold, err := r.Resolve(ctx, "gold")
	require.NoError(t, err)
	assert.Equal(t, "GOLD", gold.Name)
}

func TestResolve_StoreError(t *testing.T) {
	r := plans.NewRegistry(&fakeStore{err: errors.New("db down")})
	_, err := r.Resolve(context.Background(), plans.Basic)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, plans.ErrUnknownPlan))
}

func TestList_SortedByPrice(t *testing.T) {
	store := &fakeStore{plans: map[string]plans.Plan{
		"STARTER": {Name: "STARTER", Price: decimal.NewFromInt(500), IsActive: true},
	}}
	list, err := plans.NewRegistry(store).List(context.Background())
	require.NoError(t, err)

	var names []string
	for _, p := range list {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"STARTER", plans.Basic, plans.Standard, plans.Premium}, names)
}

func TestSave_Validates(t *testing.T) {
	store := &fakeStore{}
	r := plans.NewRegistry(store)

	err := r.Save(context.Background(), plans.Plan{Name: "x", Price: decimal.NewFromInt(-1)})
	assert.True(t, errors.Is(err, plans.ErrInvalidPlan))

	require.NoError(t, r.Save(context.Background(), plans.Plan{Name: " gold ", Price: decimal.NewFromInt(5), IsActive: true}))
	_, ok := store.plans["GOLD"]
	assert.True(t, ok)
}

func TestFallbackMinimum(t *testing.T) {
	tests := []struct {
		plan string
		want int64
	}{
		{plans.Basic, 2000},
		{plans.Standard, 4000},
		{"premium", 10000},
		{"", 2000},
		{"GOLD", 2000},
	}
	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			assert.True(t, plans.FallbackMinimum(tt.plan).Equal(decimal.NewFromInt(tt.want)))
		})
	}
}
