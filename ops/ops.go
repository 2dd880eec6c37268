// Package ops is the operator action surface: four injectable actions, all
// going through the same ledger path as any other event, so an operator
// intervention leaves the same audit trail a strategy-driven decision
// would. Wiring these into an HTTP handler, CLI, or signal handler is left
// to the caller; these are plain functions any transport can call directly.
package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/execution"
	"github.com/apollo-trading/futures-core/ledger"
	"github.com/apollo-trading/futures-core/tradestate"
)

// AckManualReview clears requires_manual_review without touching the
// circuit breaker itself — an operator acknowledging the alert does not
// re-arm trading on its own.
func AckManualReview(bus *eventbus.Bus) error {
	_, err := bus.Publish(ledger.ManualReviewAcknowledged, map[string]any{}, nil)
	return err
}

// Pause is the operator's "OPERATOR_PAUSE" action: the strategy loop should
// short-circuit until cooldownUntil.
func Pause(bus *eventbus.Bus, cooldownUntil time.Time) error {
	_, err := bus.Publish(ledger.ManualIntervention, map[string]any{
		"action":         "OPERATOR_PAUSE",
		"cooldown_until": cooldownUntil.UTC().Format(time.RFC3339),
	}, nil)
	return err
}

// Resume clears cooldown and manual review, the operator's counterpart to
// Pause.
func Resume(bus *eventbus.Bus) error {
	_, err := bus.Publish(ledger.ManualIntervention, map[string]any{
		"action": "OPERATOR_RESUME",
	}, nil)
	return err
}

// KillSwitch cancels every open order and then market-exits every open
// position, in that order. It is called both by the circuit breaker path
// and directly by an operator.
func KillSwitch(ctx context.Context, bus *eventbus.Bus, manager *tradestate.Manager, engine *execution.Engine) error {
	snapshot := manager.Snapshot()

	for id, order := range snapshot.OpenOrders {
		if err := engine.CancelOrder(ctx, order.Symbol, id); err != nil {
			log.Error().Err(err).Str("client_order_id", id).Msg("ops: kill switch failed to cancel order")
		}
	}

	// Re-read: cancellations above may have published ORDER_CANCELLED
	// events that the state manager has already folded in.
	snapshot = manager.Snapshot()
	for symbol, position := range snapshot.Positions {
		tradeID := fmt.Sprintf("KILL-%s-%d", symbol, time.Now().UnixNano())
		if err := engine.ExecuteExit(ctx, position, tradeID, "KILL_SWITCH"); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("ops: kill switch failed to exit position")
		}
	}
	return nil
}
