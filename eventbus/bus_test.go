package eventbus_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/ledger"
)

func newBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return eventbus.New(l)
}

func TestPublishInvokesHandlersInRegistrationOrder(t *testing.T) {
	bus := newBus(t)

	var order []string
	bus.Register(ledger.SignalComputed, func(ledger.Event) { order = append(order, "state") })
	bus.Register(ledger.SignalComputed, func(ledger.Event) { order = append(order, "logger") })

	_, err := bus.Publish(ledger.SignalComputed, map[string]any{"symbol": "BTCUSDT"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"state", "logger"}, order)
}

func TestPublishOnlyInvokesHandlersForMatchingType(t *testing.T) {
	bus := newBus(t)

	var calls int
	bus.Register(ledger.OrderFilled, func(ledger.Event) { calls++ })

	_, err := bus.Publish(ledger.OrderCancelled, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}

func TestRegisterAllCoversEveryEventType(t *testing.T) {
	bus := newBus(t)

	seen := make(map[ledger.EventType]bool)
	bus.RegisterAll(func(ev ledger.Event) { seen[ev.EventType] = true })

	for _, et := range ledger.AllEventTypes {
		_, err := bus.Publish(et, map[string]any{}, nil)
		require.NoError(t, err)
	}

	for _, et := range ledger.AllEventTypes {
		assert.True(t, seen[et], "expected handler invoked for %s", et)
	}
}

func TestHandlerPanicIsRecoveredAndEventStaysCommitted(t *testing.T) {
	bus := newBus(t)

	bus.Register(ledger.RiskRejected, func(ledger.Event) { panic("boom") })

	var after bool
	bus.Register(ledger.RiskRejected, func(ledger.Event) { after = true })

	assert.NotPanics(t, func() {
		_, err := bus.Publish(ledger.RiskRejected, map[string]any{}, nil)
		require.NoError(t, err)
	})
	assert.True(t, after, "later handlers still run after an earlier handler panics")
}
