package tradestate_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apollo-trading/futures-core/domain"
	"github.com/apollo-trading/futures-core/ledger"
	"github.com/apollo-trading/futures-core/tradestate"
)

func newManager(t *testing.T) *tradestate.Manager {
	t.Helper()
	return tradestate.NewManager(tradestate.Config{
		InitialEquity:    decimal.NewFromInt(100),
		NewsFlagCapacity: 10,
	})
}

func ev(seq uint64, t time.Time, typ ledger.EventType, payload map[string]any) ledger.Event {
	return ledger.Event{
		EventID:     "e",
		EventType:   typ,
		Timestamp:   t,
		SequenceNum: seq,
		Payload:     payload,
	}
}

func TestEntryThenTakeProfitFillMatchesScenarioOne(t *testing.T) {
	m := newManager(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	m.Apply(ev(1, base, ledger.OrderPlaced, map[string]any{
		"client_order_id": "T1-entry", "symbol": "BTCUSDT", "side": "LONG",
		"order_type": "MARKET", "quantity": "0.500",
	}))
	m.Apply(ev(2, base.Add(time.Minute), ledger.OrderFilled, map[string]any{
		"client_order_id": "T1-entry",
	}))
	m.Apply(ev(3, base.Add(time.Minute), ledger.PositionOpened, map[string]any{
		"symbol": "BTCUSDT", "side": "LONG", "quantity": "0.500",
		"entry_price": "100", "leverage": 3.0,
	}))

	snap := m.Snapshot()
	require.Contains(t, snap.Positions, "BTCUSDT")
	assert.True(t, snap.Positions["BTCUSDT"].Quantity.Equal(decimal.NewFromFloat(0.5)))
	assert.Empty(t, snap.OpenOrders)

	m.Apply(ev(4, base.Add(2*time.Minute), ledger.OrderPlaced, map[string]any{
		"client_order_id": "T1-tp", "symbol": "BTCUSDT", "side": "SHORT",
		"order_type": "TAKE_PROFIT", "quantity": "0.500", "reduce_only": true,
	}))
	m.Apply(ev(5, base.Add(3*time.Minute), ledger.OrderFilled, map[string]any{
		"client_order_id": "T1-tp",
	}))
	m.Apply(ev(6, base.Add(3*time.Minute), ledger.PositionClosed, map[string]any{
		"symbol": "BTCUSDT", "realized_pnl": "2.0", "exit_price": "104",
	}))

	snap = m.Snapshot()
	assert.True(t, snap.Equity.Equal(decimal.NewFromInt(102)), "equity=%s", snap.Equity)
	assert.True(t, snap.PeakEquity.Equal(decimal.NewFromInt(102)))
	assert.Empty(t, snap.Positions)
	assert.Empty(t, snap.OpenOrders)
	assert.Equal(t, uint64(6), snap.LastEventSequence)
}

func TestPositionUniquenessAcrossReplayPrefixes(t *testing.T) {
	m := newManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []ledger.Event{
		ev(1, base, ledger.PositionOpened, map[string]any{
			"symbol": "ETHUSDT", "side": "LONG", "quantity": "1", "entry_price": "10", "leverage": 1.0,
		}),
	}
	m.Rebuild(events)
	snap := m.Snapshot()
	require.Len(t, snap.Positions, 1)
}

func TestPeakEquityIsNonDecreasing(t *testing.T) {
	m := newManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Apply(ev(1, base, ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "10"}))
	peakAfterWin := m.Snapshot().PeakEquity

	m.Apply(ev(2, base.Add(time.Hour), ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "-5"}))
	snap := m.Snapshot()

	assert.True(t, snap.PeakEquity.Equal(peakAfterWin))
	assert.True(t, snap.Equity.LessThan(snap.PeakEquity))
}

func TestConsecutiveLossesResetsOnNextWin(t *testing.T) {
	m := newManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Apply(ev(1, base, ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "-1"}))
	m.Apply(ev(2, base, ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "-1"}))
	assert.Equal(t, 2, m.Snapshot().ConsecutiveLosses)

	m.Apply(ev(3, base, ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "1"}))
	assert.Equal(t, 0, m.Snapshot().ConsecutiveLosses)
}

func TestConsecutiveLossLimitSetsCooldownUntil(t *testing.T) {
	m := tradestate.NewManager(tradestate.Config{
		InitialEquity:         decimal.NewFromInt(100),
		ConsecutiveLossLimit:  2,
		CooldownAfterLosses:   4 * time.Hour,
	})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Apply(ev(1, base, ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "-1"}))
	assert.Nil(t, m.Snapshot().CooldownUntil)

	m.Apply(ev(2, base, ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "-1"}))
	snap := m.Snapshot()
	require.NotNil(t, snap.CooldownUntil)
	assert.True(t, snap.CooldownUntil.Equal(base.Add(4*time.Hour)))
}

func TestDailyLossResetsOnUTCDayRoll(t *testing.T) {
	m := newManager(t)
	day1 := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 1, 0, 0, 0, time.UTC)

	m.Apply(ev(1, day1, ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "-3"}))
	assert.True(t, m.Snapshot().DailyLoss.Equal(decimal.NewFromInt(3)))

	m.Apply(ev(2, day2, ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "-1"}))
	snap := m.Snapshot()
	assert.True(t, snap.DailyLoss.Equal(decimal.NewFromInt(1)), "daily loss should reset across the UTC day boundary, got %s", snap.DailyLoss)
	assert.True(t, snap.RealizedPnLToday.Equal(decimal.NewFromInt(-1)))
}

func TestCircuitBreakerRequiresExplicitAcknowledgement(t *testing.T) {
	m := newManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Apply(ev(1, base, ledger.CircuitBreakerTriggered, nil))
	snap := m.Snapshot()
	assert.True(t, snap.CircuitBreakerActive)
	assert.True(t, snap.RequiresManualReview)

	m.Apply(ev(2, base, ledger.ManualReviewAcknowledged, nil))
	snap = m.Snapshot()
	assert.False(t, snap.RequiresManualReview)
	assert.True(t, snap.CircuitBreakerActive, "acknowledging manual review must not clear the circuit breaker itself")
}

func TestNewsClassifiedBlocksOnlyAboveThreshold(t *testing.T) {
	m := newManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Apply(ev(1, base, ledger.NewsClassified, map[string]any{
		"level": "HIGH", "reason": "hack rumor", "confidence": 0.9,
		"symbols_mentioned": []any{"ETHUSDT"},
	}))

	snap := m.Snapshot()
	assert.True(t, snap.BlocksEntries("ETHUSDT", base.Add(time.Minute), time.Hour, domain.NewsHigh))
	assert.False(t, snap.BlocksEntries("BTCUSDT", base.Add(time.Minute), time.Hour, domain.NewsHigh))
}

func TestNewsFlagAgesOutAfterTTL(t *testing.T) {
	m := newManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Apply(ev(1, base, ledger.NewsClassified, map[string]any{
		"level": "HIGH", "symbols_mentioned": []any{"ETHUSDT"},
	}))

	snap := m.Snapshot()
	assert.True(t, snap.BlocksEntries("ETHUSDT", base.Add(30*time.Minute), time.Hour, domain.NewsHigh))
	assert.False(t, snap.BlocksEntries("ETHUSDT", base.Add(2*time.Hour), time.Hour, domain.NewsHigh))
}

func TestRebuildTwiceIsDeterministic(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []ledger.Event{
		ev(1, base, ledger.UniverseUpdated, map[string]any{"symbols": []any{"BTCUSDT", "ETHUSDT"}}),
		ev(2, base, ledger.OrderPlaced, map[string]any{
			"client_order_id": "T1-entry", "symbol": "BTCUSDT", "side": "LONG",
			"order_type": "MARKET", "quantity": "1",
		}),
		ev(3, base, ledger.OrderFilled, map[string]any{"client_order_id": "T1-entry"}),
		ev(4, base, ledger.PositionOpened, map[string]any{
			"symbol": "BTCUSDT", "side": "LONG", "quantity": "1", "entry_price": "50", "leverage": 2.0,
		}),
		ev(5, base, ledger.PositionClosed, map[string]any{"symbol": "BTCUSDT", "realized_pnl": "5"}),
	}

	m1 := tradestate.NewManager(tradestate.Config{InitialEquity: decimal.NewFromInt(100)})
	m1.Rebuild(events)
	m2 := tradestate.NewManager(tradestate.Config{InitialEquity: decimal.NewFromInt(100)})
	m2.Rebuild(events)

	s1, s2 := m1.Snapshot(), m2.Snapshot()
	assert.True(t, s1.Equity.Equal(s2.Equity))
	assert.Equal(t, s1.Universe, s2.Universe)
	assert.Equal(t, s1.LastEventSequence, s2.LastEventSequence)
	assert.Equal(t, len(s1.Positions), len(s2.Positions))
}

func TestReconcileIsPureAndReportsPositionDrift(t *testing.T) {
	m := newManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Apply(ev(1, base, ledger.PositionOpened, map[string]any{
		"symbol": "BTCUSDT", "side": "LONG", "quantity": "1", "entry_price": "100", "leverage": 1.0,
	}))

	before := m.Snapshot()
	discrepancies := before.Reconcile(before.Equity, map[string]domain.Position{}, map[string]domain.OpenOrder{}, decimal.NewFromInt(1))

	require.Len(t, discrepancies, 1)
	assert.Equal(t, "POSITION_DRIFT", discrepancies[0].Kind)
	assert.Equal(t, "BTCUSDT", discrepancies[0].Symbol)

	after := m.Snapshot()
	assert.Equal(t, before, after, "Reconcile must not mutate the state it was called on")
}
