// Package reconcile is the orchestrator-facing glue between the pure
// tradestate.TradingState.Reconcile diff and the event bus: it fetches
// exchange truth, hands it to the pure comparison, and turns the result
// into published events.
package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/apollo-trading/futures-core/binance"
	"github.com/apollo-trading/futures-core/domain"
	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/ledger"
	"github.com/apollo-trading/futures-core/tradestate"
)

// Config holds the balance drift tolerance: the maximum absolute equity
// difference between TradingState and the exchange's reported balance
// before a MANUAL_INTERVENTION is raised.
type Config struct {
	BalanceTolerance decimal.Decimal
}

// Runner pulls exchange truth, diffs it against TradingState, and publishes
// the resulting MANUAL_INTERVENTION / RECONCILIATION_COMPLETED events. It is
// called at startup and after every user-stream reconnect.
type Runner struct {
	rest    *binance.RestClient
	manager *tradestate.Manager
	bus     *eventbus.Bus
	cfg     Config
}

func NewRunner(rest *binance.RestClient, manager *tradestate.Manager, bus *eventbus.Bus, cfg Config) *Runner {
	return &Runner{rest: rest, manager: manager, bus: bus, cfg: cfg}
}

// Run pulls account/position/order state from the exchange, diffs it
// against the current TradingState snapshot, and publishes one
// MANUAL_INTERVENTION per discrepancy followed by RECONCILIATION_COMPLETED.
func (r *Runner) Run(ctx context.Context) error {
	equity, err := r.rest.AccountEquity(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch account equity: %w", err)
	}
	rawPositions, err := r.rest.PositionRisk(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch position risk: %w", err)
	}
	rawOrders, err := r.rest.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch open orders: %w", err)
	}

	exchangePositions := make(map[string]domain.Position, len(rawPositions))
	for _, p := range rawPositions {
		side := domain.Long
		qty := p.PositionAmt
		if qty.IsNegative() {
			side = domain.Short
			qty = qty.Neg()
		}
		exchangePositions[p.Symbol] = domain.Position{
			Symbol: p.Symbol, Side: side, Quantity: qty, EntryPrice: p.EntryPrice,
		}
	}

	exchangeOrders := make(map[string]domain.OpenOrder, len(rawOrders))
	for _, o := range rawOrders {
		exchangeOrders[o.ClientOrderID] = domain.OpenOrder{
			ClientOrderID: o.ClientOrderID, Symbol: o.Symbol,
			Side: domain.Side(o.Side), Status: domain.OrderStatus(o.Status), OrderID: o.OrderID,
		}
	}

	snapshot := r.manager.Snapshot()
	discrepancies := snapshot.Reconcile(equity, exchangePositions, exchangeOrders, r.cfg.BalanceTolerance)

	for _, d := range discrepancies {
		if _, err := r.bus.Publish(ledger.ManualIntervention, map[string]any{
			"kind": d.Kind, "symbol": d.Symbol, "message": d.Message,
			"local": fmt.Sprint(d.Local), "remote": fmt.Sprint(d.Remote),
		}, nil); err != nil {
			return fmt.Errorf("reconcile: publish MANUAL_INTERVENTION: %w", err)
		}
	}

	if _, err := r.bus.Publish(ledger.ReconciliationCompleted, map[string]any{
		"discrepancies": len(discrepancies),
	}, nil); err != nil {
		return fmt.Errorf("reconcile: publish RECONCILIATION_COMPLETED: %w", err)
	}

	log.Info().Int("discrepancies", len(discrepancies)).Msg("reconcile: completed")
	return nil
}
