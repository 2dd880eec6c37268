// Package execution turns an approved TradeProposal into exchange orders
// and owns the client-order-id lifecycle: minting, deduping, and re-arming
// stop/take-profit legs as their sibling orders fill or cancel.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/apollo-trading/futures-core/domain"
	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/ledger"
)

// Mode selects how ExecuteEntry/ExecuteExit reach the exchange.
type Mode string

const (
	ModeSimulate Mode = "simulate"
	ModeTestnet  Mode = "testnet"
	ModeLive     Mode = "live"
)

// Config holds the run mode and the retry budget for submitWithRetry.
type Config struct {
	Mode          Mode
	RetryAttempts int
	RetryBackoff  time.Duration
}

// AuthFailureError is fatal: the caller must trigger the kill switch, not
// retry.
type AuthFailureError struct{ Err error }

func (e *AuthFailureError) Error() string { return fmt.Sprintf("execution: auth failure: %v", e.Err) }
func (e *AuthFailureError) Unwrap() error { return e.Err }

// ExchangeRejectionError is a 4xx on placeOrder/cancel — surfaced as
// ORDER_CANCELLED + MANUAL_INTERVENTION rather than retried.
type ExchangeRejectionError struct{ Err error }

func (e *ExchangeRejectionError) Error() string {
	return fmt.Sprintf("execution: exchange rejected order: %v", e.Err)
}
func (e *ExchangeRejectionError) Unwrap() error { return e.Err }

// retryAfterer is implemented by transport errors (e.g. binance.TransientError)
// that carry a server-requested wait. submitWithRetry honors it over its own
// computed backoff without importing the transport package directly.
type retryAfterer interface {
	RetryAfter() time.Duration
}

type pendingTrade struct {
	proposal domain.TradeProposal
	entry    decimal.Decimal
	stop     decimal.Decimal
	takeProfit *decimal.Decimal
	quantity   decimal.Decimal
}

// pendingExit holds what's needed to close out a manual/kill-switch exit's
// fill. Keyed by the exit's own client_order_id rather than a trade_id,
// since ExecuteExit is handed a fresh synthetic trade_id per call that was
// never registered in pendingByTrade.
type pendingExit struct {
	symbol   string
	side     domain.Side
	entry    decimal.Decimal
	quantity decimal.Decimal
}

// Engine is the execution coordinator. It holds no authoritative trading
// state of its own (TradingState belongs to tradestate.Manager) — only the
// bookkeeping needed to dedupe fills and pair stop/TP orders with their
// entry.
type Engine struct {
	mu sync.Mutex

	bus    *eventbus.Bus
	client ExchangeClient
	cfg    Config

	finalized      map[string]struct{}     // client_order_id -> already produced a terminal ORDER_FILLED
	submitted      map[string]struct{}     // client_order_id -> currently NEW/PARTIALLY_FILLED, known to us
	pendingByTrade map[string]pendingTrade // trade_id -> entry context, used to place stop/tp after entry fills
	pendingExits   map[string]pendingExit  // exit client_order_id -> context needed to close the position on fill
	cancelRetries  map[string]int
}

func NewEngine(bus *eventbus.Bus, client ExchangeClient, cfg Config) *Engine {
	e := &Engine{
		bus:            bus,
		client:         client,
		cfg:            cfg,
		finalized:      make(map[string]struct{}),
		submitted:      make(map[string]struct{}),
		pendingByTrade: make(map[string]pendingTrade),
		pendingExits:   make(map[string]pendingExit),
		cancelRetries:  make(map[string]int),
	}
	bus.Register(ledger.OrderPlaced, func(ev ledger.Event) { e.noteOrderPlaced(ev) })
	bus.Register(ledger.OrderFilled, func(ev ledger.Event) { e.HandleOrderFilled(ev) })
	bus.Register(ledger.OrderCancelled, func(ev ledger.Event) { e.HandleOrderCancelled(ev) })
	return e
}

// IsFinalized reports whether clientOrderID already produced a terminal
// ORDER_FILLED. Callers that learn about fills from an external source (the
// user-data stream) use this to avoid committing the same fill twice when
// the exchange redelivers a frame.
func (e *Engine) IsFinalized(clientOrderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, done := e.finalized[clientOrderID]
	return done
}

func entryID(tradeID string) string { return tradeID + "-entry" }
func stopID(tradeID string) string  { return tradeID + "-stop" }
func tpID(tradeID string) string    { return tradeID + "-tp" }

// noteOrderPlaced mirrors every committed ORDER_PLACED into submitted, not
// just the ones this call placed itself, so CancelOrder's idempotency check
// also covers orders the engine only knows about via the ledger (tests
// driving state through the bus directly, or a future order-recovery path).
func (e *Engine) noteOrderPlaced(ev ledger.Event) {
	id := ev.Str("client_order_id")
	e.mu.Lock()
	if _, done := e.finalized[id]; !done {
		e.submitted[id] = struct{}{}
	}
	e.mu.Unlock()
}

// ExecuteEntry places the entry order for an approved proposal. In
// ModeSimulate it synthesizes an immediate fill at the proposal's entry
// price and never contacts the exchange — used when trading is disabled,
// credentials are missing, or the caller just wants a dry run.
func (e *Engine) ExecuteEntry(ctx context.Context, proposal domain.TradeProposal, quantity, entry, stop decimal.Decimal, takeProfit *decimal.Decimal) error {
	id := entryID(proposal.TradeID)

	e.mu.Lock()
	e.pendingByTrade[proposal.TradeID] = pendingTrade{
		proposal: proposal, entry: entry, stop: stop, takeProfit: takeProfit, quantity: quantity,
	}
	e.submitted[id] = struct{}{}
	e.mu.Unlock()

	_, err := e.bus.Publish(ledger.OrderPlaced, map[string]any{
		"client_order_id": id,
		"symbol":          proposal.Symbol,
		"side":             string(proposal.Side),
		"order_type":       string(domain.OrderTypeMarket),
		"quantity":         quantity.String(),
		"reduce_only":      false,
	}, nil)
	if err != nil {
		return err
	}

	if e.cfg.Mode == ModeSimulate {
		return e.simulateFill(id, proposal.Symbol, entry, quantity)
	}

	ack, err := e.submitWithRetry(ctx, OrderRequest{
		ClientOrderID: id, Symbol: proposal.Symbol, Side: string(proposal.Side),
		OrderType: string(domain.OrderTypeMarket), Quantity: quantity,
	})
	if err != nil {
		return e.handleSubmitFailure(id, proposal.Symbol, err, true)
	}
	log.Info().Str("client_order_id", id).Str("order_id", ack.OrderID).Msg("execution: entry order acknowledged")
	return nil
}

// ExecuteExit places a MARKET reduce_only close for the full position
// quantity.
func (e *Engine) ExecuteExit(ctx context.Context, position domain.Position, tradeID, reason string) error {
	id := tradeID + "-exit"

	e.mu.Lock()
	e.submitted[id] = struct{}{}
	e.pendingExits[id] = pendingExit{
		symbol: position.Symbol, side: position.Side,
		entry: position.EntryPrice, quantity: position.Quantity,
	}
	e.mu.Unlock()

	exitSide := domain.Short
	if position.Side == domain.Short {
		exitSide = domain.Long
	}

	_, err := e.bus.Publish(ledger.OrderPlaced, map[string]any{
		"client_order_id": id,
		"symbol":          position.Symbol,
		"side":            string(exitSide),
		"order_type":      string(domain.OrderTypeMarket),
		"quantity":        position.Quantity.String(),
		"reduce_only":     true,
		"reason":          reason,
	}, nil)
	if err != nil {
		return err
	}

	if e.cfg.Mode == ModeSimulate {
		return e.simulateFill(id, position.Symbol, position.EntryPrice, position.Quantity)
	}

	ack, err := e.submitWithRetry(ctx, OrderRequest{
		ClientOrderID: id, Symbol: position.Symbol, Side: string(exitSide),
		OrderType: string(domain.OrderTypeMarket), Quantity: position.Quantity, ReduceOnly: true,
	})
	if err != nil {
		return e.handleSubmitFailure(id, position.Symbol, err, false)
	}
	log.Info().Str("client_order_id", id).Str("order_id", ack.OrderID).Msg("execution: exit order acknowledged")
	return nil
}

// CancelOrder is idempotent: cancelling an order we don't believe is open
// is a no-op that publishes nothing, satisfying the "idempotent cancel"
// testable property. It is also the kill switch's cancel path (ops.KillSwitch
// calls it for every open order before exiting positions), so it drops the
// leg's pendingByTrade entry before publishing ORDER_CANCELLED: otherwise
// HandleOrderCancelled sees a still-pending stop/TP leg and re-arms it,
// leaving fresh orders open right after the kill switch was meant to clear
// them all.
func (e *Engine) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	e.mu.Lock()
	_, known := e.submitted[clientOrderID]
	e.mu.Unlock()
	if !known {
		return nil
	}

	if e.cfg.Mode != ModeSimulate {
		if err := e.client.CancelOrder(ctx, symbol, clientOrderID); err != nil {
			return fmt.Errorf("execution: cancel %s: %w", clientOrderID, err)
		}
	}

	tradeID := clientOrderID
	switch {
	case hasSuffix(clientOrderID, "-entry"):
		tradeID = trimSuffix(clientOrderID, "-entry")
	case hasSuffix(clientOrderID, "-stop"):
		tradeID = trimSuffix(clientOrderID, "-stop")
	case hasSuffix(clientOrderID, "-tp"):
		tradeID = trimSuffix(clientOrderID, "-tp")
	case hasSuffix(clientOrderID, "-exit"):
		tradeID = trimSuffix(clientOrderID, "-exit")
	}

	e.mu.Lock()
	delete(e.submitted, clientOrderID)
	delete(e.pendingByTrade, tradeID)
	delete(e.pendingExits, clientOrderID)
	e.mu.Unlock()

	_, err := e.bus.Publish(ledger.OrderCancelled, map[string]any{
		"client_order_id": clientOrderID,
		"symbol":          symbol,
	}, nil)
	return err
}

// simulateFill synthesizes ORDER_FILLED + (POSITION_OPENED|POSITION_CLOSED)
// without contacting the exchange.
func (e *Engine) simulateFill(clientOrderID, symbol string, price, quantity decimal.Decimal) error {
	_, err := e.bus.Publish(ledger.OrderFilled, map[string]any{
		"client_order_id": clientOrderID,
		"symbol":          symbol,
		"fill_price":      price.String(),
		"fill_quantity":   quantity.String(),
	}, nil)
	return err
}

func (e *Engine) submitWithRetry(ctx context.Context, req OrderRequest) (OrderAck, error) {
	var lastErr error
	backoff := e.cfg.RetryBackoff
	attempts := e.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		ack, err := e.client.PlaceOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		lastErr = err

		var auth *AuthFailureError
		var rejected *ExchangeRejectionError
		if errors.As(err, &auth) || errors.As(err, &rejected) {
			return OrderAck{}, err
		}

		wait := backoff
		var ra retryAfterer
		if errors.As(err, &ra) {
			if after := ra.RetryAfter(); after > 0 {
				wait = after
			}
		}

		log.Warn().Err(err).Int("attempt", i+1).Str("client_order_id", req.ClientOrderID).Dur("wait", wait).Msg("execution: transient submit failure, retrying")
		select {
		case <-ctx.Done():
			return OrderAck{}, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return OrderAck{}, lastErr
}

func (e *Engine) handleSubmitFailure(clientOrderID, symbol string, err error, isEntry bool) error {
	var auth *AuthFailureError
	if errors.As(err, &auth) {
		return err // fatal; caller triggers the kill switch
	}

	e.mu.Lock()
	delete(e.submitted, clientOrderID)
	e.mu.Unlock()

	if _, pubErr := e.bus.Publish(ledger.OrderCancelled, map[string]any{
		"client_order_id": clientOrderID, "symbol": symbol, "reason": err.Error(),
	}, nil); pubErr != nil {
		return pubErr
	}
	if isEntry {
		_, pubErr := e.bus.Publish(ledger.ManualIntervention, map[string]any{
			"kind": "ORDER_REJECTED", "symbol": symbol, "client_order_id": clientOrderID, "message": err.Error(),
		}, nil)
		return pubErr
	}
	return nil
}

// HandleOrderFilled reacts to a committed ORDER_FILLED, whichever path
// produced it (REST response or user-stream echo), deduplicating so that at
// most one POSITION_OPENED/POSITION_CLOSED follows per trade leg.
func (e *Engine) HandleOrderFilled(ev ledger.Event) {
	id := ev.Str("client_order_id")

	e.mu.Lock()
	if _, already := e.finalized[id]; already {
		e.mu.Unlock()
		return
	}
	e.finalized[id] = struct{}{}
	delete(e.submitted, id)
	e.mu.Unlock()

	switch {
	case hasSuffix(id, "-entry"):
		e.onEntryFilled(id, ev)
	case hasSuffix(id, "-stop"), hasSuffix(id, "-tp"):
		e.onExitLegFilled(id, ev)
	case hasSuffix(id, "-exit"):
		e.onManualExitFilled(id, ev)
	}
}

func (e *Engine) onEntryFilled(id string, ev ledger.Event) {
	tradeID := trimSuffix(id, "-entry")

	e.mu.Lock()
	pending, ok := e.pendingByTrade[tradeID]
	e.mu.Unlock()
	if !ok {
		log.Warn().Str("client_order_id", id).Msg("execution: entry fill with no pending trade context")
		return
	}

	fillPrice := pending.entry
	if raw, present := ev.Payload["fill_price"]; present && raw != nil {
		if d, err := decimal.NewFromString(fmt.Sprint(raw)); err == nil {
			fillPrice = d
		}
	}

	if _, err := e.bus.Publish(ledger.PositionOpened, map[string]any{
		"symbol": pending.proposal.Symbol, "side": string(pending.proposal.Side),
		"quantity": pending.quantity.String(), "entry_price": fillPrice.String(),
		"leverage": pending.proposal.Leverage,
		"stop_price": pending.stop.String(),
	}, nil); err != nil {
		log.Error().Err(err).Msg("execution: failed to publish POSITION_OPENED after entry fill")
		return
	}

	e.placeStopAndTP(tradeID, pending)
}

func (e *Engine) placeStopAndTP(tradeID string, pending pendingTrade) {
	closeSide := domain.Short
	if pending.proposal.Side == domain.Short {
		closeSide = domain.Long
	}

	sID, tID := stopID(tradeID), tpID(tradeID)
	e.mu.Lock()
	e.submitted[sID] = struct{}{}
	e.submitted[tID] = struct{}{}
	e.mu.Unlock()

	stopPrice := pending.stop
	if _, err := e.bus.Publish(ledger.OrderPlaced, map[string]any{
		"client_order_id": sID, "symbol": pending.proposal.Symbol, "side": string(closeSide),
		"order_type": string(domain.OrderTypeStop), "quantity": pending.quantity.String(),
		"stop_price": stopPrice.String(), "reduce_only": true,
	}, nil); err != nil {
		log.Error().Err(err).Msg("execution: failed to publish stop ORDER_PLACED")
	}

	if pending.takeProfit != nil {
		if _, err := e.bus.Publish(ledger.OrderPlaced, map[string]any{
			"client_order_id": tID, "symbol": pending.proposal.Symbol, "side": string(closeSide),
			"order_type": string(domain.OrderTypeTakeProfit), "quantity": pending.quantity.String(),
			"price": pending.takeProfit.String(), "reduce_only": true,
		}, nil); err != nil {
			log.Error().Err(err).Msg("execution: failed to publish take-profit ORDER_PLACED")
		}
	}
}

func (e *Engine) onExitLegFilled(id string, ev ledger.Event) {
	var tradeID, sibling string
	switch {
	case hasSuffix(id, "-stop"):
		tradeID = trimSuffix(id, "-stop")
		sibling = tpID(tradeID)
	case hasSuffix(id, "-tp"):
		tradeID = trimSuffix(id, "-tp")
		sibling = stopID(tradeID)
	}

	e.mu.Lock()
	pending, ok := e.pendingByTrade[tradeID]
	delete(e.pendingByTrade, tradeID)
	_, siblingKnown := e.submitted[sibling]
	delete(e.submitted, sibling)
	e.mu.Unlock()

	if siblingKnown {
		if _, err := e.bus.Publish(ledger.OrderCancelled, map[string]any{
			"client_order_id": sibling, "symbol": ev.Str("symbol"), "reason": "sibling leg filled",
		}, nil); err != nil {
			log.Error().Err(err).Msg("execution: failed to cancel sibling leg")
		}
	}

	if !ok {
		return
	}

	fillPrice := pending.entry
	if raw, present := ev.Payload["fill_price"]; present && raw != nil {
		if d, err := decimal.NewFromString(fmt.Sprint(raw)); err == nil {
			fillPrice = d
		}
	}
	realized := realizedPnL(pending.proposal.Side, pending.entry, fillPrice, pending.quantity)

	if _, err := e.bus.Publish(ledger.PositionClosed, map[string]any{
		"symbol": pending.proposal.Symbol, "realized_pnl": realized.String(), "exit_price": fillPrice.String(),
	}, nil); err != nil {
		log.Error().Err(err).Msg("execution: failed to publish POSITION_CLOSED")
	}
}

func (e *Engine) onManualExitFilled(id string, ev ledger.Event) {
	e.mu.Lock()
	pending, ok := e.pendingExits[id]
	delete(e.pendingExits, id)
	e.mu.Unlock()
	if !ok {
		return
	}

	fillPrice := pending.entry
	if raw, present := ev.Payload["fill_price"]; present && raw != nil {
		if d, err := decimal.NewFromString(fmt.Sprint(raw)); err == nil {
			fillPrice = d
		}
	}
	realized := realizedPnL(pending.side, pending.entry, fillPrice, pending.quantity)

	if _, err := e.bus.Publish(ledger.PositionClosed, map[string]any{
		"symbol": pending.symbol, "realized_pnl": realized.String(), "exit_price": fillPrice.String(),
	}, nil); err != nil {
		log.Error().Err(err).Msg("execution: failed to publish POSITION_CLOSED")
	}
}

// HandleOrderCancelled re-arms a stop/TP leg that was cancelled while its
// position is presumably still open, up to cfg.RetryAttempts with
// exponential backoff; after exhaustion it raises MANUAL_INTERVENTION.
// CancelOrder clears pendingByTrade before an intentional cancel so this
// re-arm never fires for kill-switch or operator-driven cancellations.
func (e *Engine) HandleOrderCancelled(ev ledger.Event) {
	id := ev.Str("client_order_id")
	if !hasSuffix(id, "-stop") && !hasSuffix(id, "-tp") {
		return
	}

	var tradeID string
	switch {
	case hasSuffix(id, "-stop"):
		tradeID = trimSuffix(id, "-stop")
	case hasSuffix(id, "-tp"):
		tradeID = trimSuffix(id, "-tp")
	}

	e.mu.Lock()
	pending, ok := e.pendingByTrade[tradeID]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.cancelRetries[id]++
	attempt := e.cancelRetries[id]
	e.mu.Unlock()

	if attempt > e.cfg.RetryAttempts {
		if _, err := e.bus.Publish(ledger.ManualIntervention, map[string]any{
			"kind": "LEG_REARM_EXHAUSTED", "symbol": pending.proposal.Symbol, "client_order_id": id,
		}, nil); err != nil {
			log.Error().Err(err).Msg("execution: failed to publish MANUAL_INTERVENTION after re-arm exhaustion")
		}
		return
	}

	wait := e.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
	log.Warn().Str("client_order_id", id).Int("attempt", attempt).Dur("backoff", wait).Msg("execution: re-arming cancelled protective leg")
	go func() {
		time.Sleep(wait)
		e.mu.Lock()
		_, stillPending := e.pendingByTrade[tradeID]
		e.mu.Unlock()
		if stillPending {
			e.placeStopAndTP(tradeID, pending)
		}
	}()
}

func realizedPnL(side domain.Side, entry, exit, quantity decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == domain.Short {
		diff = diff.Neg()
	}
	return diff.Mul(quantity)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimSuffix(s, suffix string) string {
	if hasSuffix(s, suffix) {
		return s[:len(s)-len(suffix)]
	}
	return s
}
