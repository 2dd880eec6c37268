package reconcile_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apollo-trading/futures-core/binance"
	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/ledger"
	"github.com/apollo-trading/futures-core/reconcile"
	"github.com/apollo-trading/futures-core/tradestate"
)

func TestRunPublishesPositionDriftAndCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/account":
			_ = json.NewEncoder(w).Encode(map[string]string{"totalMarginBalance": "10000"})
		case "/fapi/v2/positionRisk":
			_ = json.NewEncoder(w).Encode([]map[string]string{
				{"symbol": "BTCUSDT", "positionAmt": "1.5", "entryPrice": "50000", "unRealizedProfit": "0"},
			})
		case "/fapi/v1/openOrders":
			_ = json.NewEncoder(w).Encode([]map[string]any{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rest := binance.NewRestClient(srv.URL, "key", "secret", 100)

	l, err := ledger.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	bus := eventbus.New(l)
	manager := tradestate.NewManager(tradestate.Config{InitialEquity: decimal.NewFromInt(10000)})
	bus.RegisterAll(manager.Apply)

	var discrepancyKinds []string
	var completed bool
	bus.Register(ledger.ManualIntervention, func(ev ledger.Event) {
		discrepancyKinds = append(discrepancyKinds, ev.Str("kind"))
	})
	bus.Register(ledger.ReconciliationCompleted, func(ev ledger.Event) {
		completed = true
	})

	runner := reconcile.NewRunner(rest, manager, bus, reconcile.Config{BalanceTolerance: decimal.NewFromFloat(0.01)})
	require.NoError(t, runner.Run(context.Background()))

	assert.Contains(t, discrepancyKinds, "POSITION_DRIFT")
	assert.True(t, completed)
	assert.NotNil(t, manager.Snapshot().LastReconciliation)
}

func TestRunWithMatchingStateReportsNoDiscrepancies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/account":
			_ = json.NewEncoder(w).Encode(map[string]string{"totalMarginBalance": "10000"})
		case "/fapi/v2/positionRisk":
			_ = json.NewEncoder(w).Encode([]map[string]any{})
		case "/fapi/v1/openOrders":
			_ = json.NewEncoder(w).Encode([]map[string]any{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rest := binance.NewRestClient(srv.URL, "key", "secret", 100)

	l, err := ledger.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	bus := eventbus.New(l)
	manager := tradestate.NewManager(tradestate.Config{InitialEquity: decimal.NewFromInt(10000)})
	bus.RegisterAll(manager.Apply)

	var interventions int
	bus.Register(ledger.ManualIntervention, func(ev ledger.Event) { interventions++ })

	runner := reconcile.NewRunner(rest, manager, bus, reconcile.Config{BalanceTolerance: decimal.NewFromFloat(0.01)})
	require.NoError(t, runner.Run(context.Background()))

	assert.Equal(t, 0, interventions)
}
