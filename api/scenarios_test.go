/*
scenarios_test.go - Tests for the demo scenarios

Each scenario checks its own outcome and fails if the engine disagrees,
so loading it is an integration test of the services it drives. These
tests also confirm that every account reconciles afterwards.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/wallet"
)

func TestScenarios_LoadAndReconcile(t *testing.T) {
	for _, sc := range Scenarios() {
		t.Run(sc.ID, func(t *testing.T) {
			s := newTestServer(t)
			ctx := context.Background()

			result, err := s.svc.LoadScenario(ctx, sc.ID)
			require.NoError(t, err)
			assert.Equal(t, sc.ID, result.Scenario.ID)
			assert.NotEmpty(t, result.Accounts)
			assert.NotEmpty(t, result.Outcomes)

			report, err := s.svc.Ledger.ReconcileAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, report.Mismatched)
			assert.Equal(t, len(result.Accounts), report.Accounts)
		})
	}
}

func TestScenario_FiveLevels(t *testing.T) {
	// GIVEN: the five-level scenario
	s := newTestServer(t)
	ctx := context.Background()

	// WHEN: loading it
	result, err := s.svc.LoadScenario(ctx, "five-levels")
	require.NoError(t, err)

	// THEN: E..A hold 200/150/100/80/70
	want := map[string]string{"A": "70", "B": "80", "C": "100", "D": "150", "E": "200", "F": "0"}
	for name, balance := range want {
		acc, err := s.store.GetAccount(ctx, wallet.AccountID(result.Accounts[name]))
		require.NoError(t, err)
		assert.Equal(t, balance, acc.Balance.String(), name)
	}
}

func TestScenario_RootVoucher(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.svc.LoadScenario(ctx, "root-voucher")
	require.NoError(t, err)

	acc, err := s.store.GetAccount(ctx, wallet.AccountID(result.Accounts["root"]))
	require.NoError(t, err)
	assert.Equal(t, "1000", acc.AvailableVoucherPKR.String())
	assert.True(t, acc.Balance.IsZero())
	assert.True(t, acc.IsActive())
}

func TestScenario_ReloadStartsClean(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.svc.LoadScenario(ctx, "demo-tree")
	require.NoError(t, err)
	result, err := s.svc.LoadScenario(ctx, "withdrawal-floor")
	require.NoError(t, err)

	accounts, err := s.store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, len(result.Accounts))
}

func TestScenarioEndpoints(t *testing.T) {
	s := newTestServer(t)

	list := decode[[]ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios", nil))
	assert.Len(t, list, len(scenarios))

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "five-levels"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[ScenarioResultDTO](t, rec).Accounts, 6)

	current := decode[ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "five-levels", current.ID)

	rec = s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	accounts := decode[[]AccountDTO](t, s.do(t, http.MethodGet, "/api/accounts", nil))
	assert.Empty(t, accounts)
}
