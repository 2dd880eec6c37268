package execution_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apollo-trading/futures-core/domain"
	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/execution"
	"github.com/apollo-trading/futures-core/ledger"
)

type fakeClient struct {
	placeCalls  int
	failTimes   int
	cancelCalls int
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderAck, error) {
	f.placeCalls++
	if f.placeCalls <= f.failTimes {
		return execution.OrderAck{}, assertErr("transient failure")
	}
	return execution.OrderAck{OrderID: "ex-" + req.ClientOrderID, Status: "NEW"}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	f.cancelCalls++
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func assertErr(s string) error    { return simpleErr(s) }

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return eventbus.New(l)
}

func TestExecuteEntrySimulateModeSynthesizesFillAndProtectiveLegs(t *testing.T) {
	bus := newTestBus(t)
	var events []ledger.Event
	bus.RegisterAll(func(ev ledger.Event) { events = append(events, ev) })

	engine := execution.NewEngine(bus, &fakeClient{}, execution.Config{Mode: execution.ModeSimulate, RetryAttempts: 1, RetryBackoff: time.Millisecond})

	proposal := domain.TradeProposal{
		Symbol: "BTCUSDT", Side: domain.Long, TradeID: "T1",
		EntryPrice: decimal.NewFromInt(100),
	}
	tp := decimal.NewFromInt(104)
	err := engine.ExecuteEntry(context.Background(), proposal, decimal.NewFromFloat(0.5), decimal.NewFromInt(100), decimal.NewFromInt(98), &tp)
	require.NoError(t, err)

	var types []ledger.EventType
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, ledger.OrderPlaced)
	assert.Contains(t, types, ledger.OrderFilled)
	assert.Contains(t, types, ledger.PositionOpened)

	var stopPlaced, tpPlaced bool
	for _, ev := range events {
		if ev.EventType == ledger.OrderPlaced && ev.Str("client_order_id") == "T1-stop" {
			stopPlaced = true
		}
		if ev.EventType == ledger.OrderPlaced && ev.Str("client_order_id") == "T1-tp" {
			tpPlaced = true
		}
	}
	assert.True(t, stopPlaced, "stop leg should be placed after entry fill")
	assert.True(t, tpPlaced, "take-profit leg should be placed after entry fill")
}

func TestDuplicateFillIsDedupedToOnePositionClosed(t *testing.T) {
	bus := newTestBus(t)
	var closedCount int
	bus.Register(ledger.PositionClosed, func(ledger.Event) { closedCount++ })

	engine := execution.NewEngine(bus, &fakeClient{}, execution.Config{Mode: execution.ModeSimulate, RetryAttempts: 1, RetryBackoff: time.Millisecond})

	proposal := domain.TradeProposal{Symbol: "BTCUSDT", Side: domain.Long, TradeID: "T1", EntryPrice: decimal.NewFromInt(100)}
	tp := decimal.NewFromInt(104)
	require.NoError(t, engine.ExecuteEntry(context.Background(), proposal, decimal.NewFromFloat(0.5), decimal.NewFromInt(100), decimal.NewFromInt(98), &tp))

	// Simulate the exchange echoing the same TP fill twice (REST + user stream).
	dupeEvent := ledger.Event{EventType: ledger.OrderFilled, Payload: map[string]any{"client_order_id": "T1-tp", "symbol": "BTCUSDT", "fill_price": "104"}}
	engine.HandleOrderFilled(dupeEvent)
	engine.HandleOrderFilled(dupeEvent)

	assert.Equal(t, 1, closedCount)
}

func TestCancelUnknownOrderIsNoOp(t *testing.T) {
	bus := newTestBus(t)
	var cancelled int
	bus.Register(ledger.OrderCancelled, func(ledger.Event) { cancelled++ })

	client := &fakeClient{}
	engine := execution.NewEngine(bus, client, execution.Config{Mode: execution.ModeLive, RetryAttempts: 1, RetryBackoff: time.Millisecond})

	err := engine.CancelOrder(context.Background(), "BTCUSDT", "unknown-id")
	require.NoError(t, err)
	assert.Equal(t, 0, cancelled)
	assert.Equal(t, 0, client.cancelCalls)
}

func TestCancelOrderSuppressesReArmOfSiblingLeg(t *testing.T) {
	bus := newTestBus(t)
	var placedOrderIDs []string
	bus.Register(ledger.OrderPlaced, func(ev ledger.Event) { placedOrderIDs = append(placedOrderIDs, ev.Str("client_order_id")) })

	client := &fakeClient{}
	engine := execution.NewEngine(bus, client, execution.Config{Mode: execution.ModeLive, RetryAttempts: 3, RetryBackoff: time.Millisecond})

	proposal := domain.TradeProposal{Symbol: "BTCUSDT", Side: domain.Long, TradeID: "T1", EntryPrice: decimal.NewFromInt(100)}
	tp := decimal.NewFromInt(104)
	require.NoError(t, engine.ExecuteEntry(context.Background(), proposal, decimal.NewFromFloat(0.5), decimal.NewFromInt(100), decimal.NewFromInt(98), &tp))
	engine.HandleOrderFilled(ledger.Event{EventType: ledger.OrderFilled, Payload: map[string]any{"client_order_id": "T1-entry", "symbol": "BTCUSDT", "fill_price": "100"}})

	placedOrderIDs = nil

	// Kill switch cancels both protective legs before exiting the position.
	require.NoError(t, engine.CancelOrder(context.Background(), "BTCUSDT", "T1-stop"))
	require.NoError(t, engine.CancelOrder(context.Background(), "BTCUSDT", "T1-tp"))

	assert.Empty(t, placedOrderIDs, "cancelling the protective legs via CancelOrder must not re-arm them")
}

func TestManualExitFillPublishesPositionClosed(t *testing.T) {
	bus := newTestBus(t)
	var closed []ledger.Event
	bus.Register(ledger.PositionClosed, func(ev ledger.Event) { closed = append(closed, ev) })

	engine := execution.NewEngine(bus, &fakeClient{}, execution.Config{Mode: execution.ModeSimulate, RetryAttempts: 1, RetryBackoff: time.Millisecond})

	position := domain.Position{
		Symbol: "BTCUSDT", Side: domain.Long, Quantity: decimal.NewFromFloat(0.5),
		EntryPrice: decimal.NewFromInt(100),
	}
	// Kill switch and manual exits mint a synthetic trade_id that was never
	// part of any ExecuteEntry call.
	require.NoError(t, engine.ExecuteExit(context.Background(), position, "KILL-BTCUSDT-1", "KILL_SWITCH"))

	require.Len(t, closed, 1)
	assert.Equal(t, "BTCUSDT", closed[0].Str("symbol"))
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	bus := newTestBus(t)
	client := &fakeClient{failTimes: 2}
	engine := execution.NewEngine(bus, client, execution.Config{Mode: execution.ModeLive, RetryAttempts: 3, RetryBackoff: time.Millisecond})

	proposal := domain.TradeProposal{Symbol: "BTCUSDT", Side: domain.Long, TradeID: "T2", EntryPrice: decimal.NewFromInt(100)}
	err := engine.ExecuteEntry(context.Background(), proposal, decimal.NewFromFloat(0.5), decimal.NewFromInt(100), decimal.NewFromInt(98), nil)

	require.NoError(t, err)
	assert.Equal(t, 3, client.placeCalls)
}
