package ops_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/execution"
	"github.com/apollo-trading/futures-core/ledger"
	"github.com/apollo-trading/futures-core/ops"
	"github.com/apollo-trading/futures-core/tradestate"
)

func newHarness(t *testing.T) (*eventbus.Bus, *tradestate.Manager) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	bus := eventbus.New(l)
	manager := tradestate.NewManager(tradestate.Config{InitialEquity: decimal.NewFromInt(100)})
	bus.RegisterAll(manager.Apply)
	return bus, manager
}

func TestAckManualReviewClearsFlagNotCircuitBreaker(t *testing.T) {
	bus, manager := newHarness(t)
	_, err := bus.Publish(ledger.CircuitBreakerTriggered, map[string]any{}, nil)
	require.NoError(t, err)

	require.NoError(t, ops.AckManualReview(bus))

	snap := manager.Snapshot()
	assert.False(t, snap.RequiresManualReview)
	assert.True(t, snap.CircuitBreakerActive)
}

func TestPauseSetsCooldownAndResumeClearsIt(t *testing.T) {
	bus, manager := newHarness(t)
	until := time.Now().Add(4 * time.Hour)

	require.NoError(t, ops.Pause(bus, until))
	snap := manager.Snapshot()
	require.NotNil(t, snap.CooldownUntil)

	require.NoError(t, ops.Resume(bus))
	snap = manager.Snapshot()
	assert.Nil(t, snap.CooldownUntil)
}

func TestKillSwitchCancelsOrdersThenExitsPositions(t *testing.T) {
	bus, manager := newHarness(t)
	engine := execution.NewEngine(bus, &noopClient{}, execution.Config{Mode: execution.ModeSimulate, RetryAttempts: 1, RetryBackoff: time.Millisecond})

	_, err := bus.Publish(ledger.OrderPlaced, map[string]any{
		"client_order_id": "X-stop", "symbol": "BTCUSDT", "side": "SHORT",
		"order_type": "STOP", "quantity": "1", "reduce_only": true,
	}, nil)
	require.NoError(t, err)
	_, err = bus.Publish(ledger.PositionOpened, map[string]any{
		"symbol": "BTCUSDT", "side": "LONG", "quantity": "1", "entry_price": "100", "leverage": 1.0,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, ops.KillSwitch(context.Background(), bus, manager, engine))

	snap := manager.Snapshot()
	assert.Empty(t, snap.OpenOrders)
	assert.Empty(t, snap.Positions)
}

type noopClient struct{}

func (noopClient) PlaceOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderAck, error) {
	return execution.OrderAck{OrderID: "x"}, nil
}
func (noopClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error { return nil }
