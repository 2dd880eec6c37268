// Package orchestrator holds the run context explicitly rather than as
// global mutable state: one struct passed into every loop. It spawns the
// four concurrent loops (universe, news, strategy, user stream), plus the
// mark-price stream when one is configured, and owns the kill switch.
// Reconciliation runs at startup and after every user-stream reconnect.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/apollo-trading/futures-core/binance"
	"github.com/apollo-trading/futures-core/domain"
	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/execution"
	"github.com/apollo-trading/futures-core/ledger"
	"github.com/apollo-trading/futures-core/news"
	"github.com/apollo-trading/futures-core/ops"
	"github.com/apollo-trading/futures-core/reconcile"
	"github.com/apollo-trading/futures-core/risk"
	"github.com/apollo-trading/futures-core/strategy"
	"github.com/apollo-trading/futures-core/tradestate"
)

// Intervals holds the cadence of each background loop.
type Intervals struct {
	Universe time.Duration // ~24h
	News     time.Duration // poll_interval_minutes
	Strategy time.Duration // ~15m
}

// Context threads every collaborator and shared component into the four
// loops explicitly, rather than through package-level globals.
type Context struct {
	Bus     *eventbus.Bus
	Manager *tradestate.Manager
	Risk    *risk.Engine
	Exec    *execution.Engine
	Rest    *binance.RestClient
	Stream  *binance.UserStream
	Marks   *binance.MarkPriceStream

	Reconciler *reconcile.Runner

	Universe       strategy.UniverseProvider
	StrategyGen    strategy.Generator
	NewsIngester   news.Ingester
	NewsClassifier news.Classifier
	NewsLimiter    *news.RateLimiter

	RiskCfg   risk.Config
	Intervals Intervals

	mu                   sync.Mutex
	lastProcessedCandles map[string]time.Time // symbol -> last entry-candle close time processed
	filters              map[string]domain.SymbolFilters
}

func New(c Context) *Context {
	c.lastProcessedCandles = make(map[string]time.Time)
	c.filters = make(map[string]domain.SymbolFilters)
	return &c
}

// Run runs startup reconciliation, then spawns all four loops and blocks
// until ctx is cancelled or one loop returns a fatal error. It does not
// take the single-instance lock; the caller acquires that first.
func (c *Context) Run(ctx context.Context) error {
	if err := c.Reconciler.Run(ctx); err != nil {
		return fmt.Errorf("orchestrator: startup reconciliation: %w", err)
	}

	c.Stream.OnReconnect(func() {
		if err := c.Reconciler.Run(ctx); err != nil {
			log.Error().Err(err).Msg("orchestrator: post-reconnect reconciliation failed")
		}
	})
	c.Stream.OnEvent(c.handleUserStreamEvent)

	errCh := make(chan error, 5)
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("orchestrator: %s loop: %w", name, err)
			}
		}()
	}

	run("universe", c.universeLoop)
	run("news", c.newsLoop)
	run("strategy", c.strategyLoop)
	run("user-stream", c.Stream.Run)
	if c.Marks != nil {
		run("mark-price-stream", c.Marks.Run)
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (c *Context) universeLoop(ctx context.Context) error {
	if c.Universe == nil {
		return nil
	}
	ticker := time.NewTicker(c.Intervals.Universe)
	defer ticker.Stop()

	if err := c.refreshUniverse(ctx); err != nil {
		log.Error().Err(err).Msg("orchestrator: initial universe refresh failed")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.refreshUniverse(ctx); err != nil {
				log.Error().Err(err).Msg("orchestrator: universe refresh failed")
			}
		}
	}
}

func (c *Context) refreshUniverse(ctx context.Context) error {
	symbols, err := c.Universe.Universe(ctx)
	if err != nil {
		return err
	}
	symbolList := make([]any, len(symbols))
	for i, s := range symbols {
		symbolList[i] = s
	}
	if c.Marks != nil {
		c.Marks.SetSymbols(symbols)
	}
	_, err = c.Bus.Publish(ledger.UniverseUpdated, map[string]any{"symbols": symbolList}, nil)
	return err
}

func (c *Context) newsLoop(ctx context.Context) error {
	if c.NewsIngester == nil {
		return nil
	}
	ticker := time.NewTicker(c.Intervals.News)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollNews(ctx)
		}
	}
}

func (c *Context) pollNews(ctx context.Context) {
	items, err := c.NewsIngester.Poll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("orchestrator: news poll failed")
		return
	}
	for _, item := range items {
		if _, err := c.Bus.Publish(ledger.NewsIngested, map[string]any{
			"headline": item.Headline, "source": item.Source,
		}, nil); err != nil {
			log.Error().Err(err).Msg("orchestrator: failed to publish NEWS_INGESTED")
			continue
		}

		if c.NewsClassifier == nil {
			continue
		}
		if c.NewsLimiter != nil {
			if err := c.NewsLimiter.Wait(ctx); err != nil {
				return
			}
		}
		classification := news.ClassifyWithFallback(ctx, c.NewsClassifier, item, 3, time.Second)
		symbols := make([]any, len(classification.SymbolsMentioned))
		for i, s := range classification.SymbolsMentioned {
			symbols[i] = s
		}
		if _, err := c.Bus.Publish(ledger.NewsClassified, map[string]any{
			"level": string(classification.Level), "reason": classification.Reason,
			"confidence": classification.Confidence, "symbols_mentioned": symbols,
		}, nil); err != nil {
			log.Error().Err(err).Msg("orchestrator: failed to publish NEWS_CLASSIFIED")
		}
	}
}

func (c *Context) strategyLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.Intervals.Strategy)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.runStrategyCycle(ctx)
		}
	}
}

func (c *Context) runStrategyCycle(ctx context.Context) {
	snapshot := c.Manager.Snapshot()
	if snapshot.RequiresManualReview || snapshot.CircuitBreakerActive {
		log.Info().Msg("orchestrator: strategy cycle skipped (manual review or circuit breaker)")
		return
	}
	if snapshot.CooldownUntil != nil && snapshot.CooldownUntil.After(time.Now()) {
		log.Info().Msg("orchestrator: strategy cycle skipped (cooldown active)")
		return
	}

	for _, symbol := range snapshot.Universe {
		c.evaluateSymbol(ctx, symbol, snapshot)
	}
}

// entryCandles fetches the last 100 entry-interval candles over REST on
// every call, then appends the mark-price stream's cached closed candle
// when it is newer than the last REST candle. Without Marks, or when the
// stream has nothing newer, the REST history is returned as is.
func (c *Context) entryCandles(ctx context.Context, symbol string) ([]binance.Kline, error) {
	history, err := c.Rest.Klines(ctx, symbol, "15m", 100)
	if err != nil {
		return nil, err
	}
	if c.Marks == nil || len(history) == 0 {
		return history, nil
	}
	if latest, ok := c.Marks.Latest(symbol); ok && latest.CloseTime.After(history[len(history)-1].CloseTime) {
		history = append(history, latest)
	}
	return history, nil
}

func (c *Context) evaluateSymbol(ctx context.Context, symbol string, snapshot tradestate.TradingState) {
	if c.StrategyGen == nil {
		return
	}
	daily, err := c.Rest.Klines(ctx, symbol, "1d", 30)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("orchestrator: fetch daily klines failed")
		return
	}
	entryCandles, err := c.entryCandles(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("orchestrator: fetch entry klines failed")
		return
	}
	if len(entryCandles) == 0 {
		return
	}

	closeTime := entryCandles[len(entryCandles)-1].CloseTime
	c.mu.Lock()
	last, seen := c.lastProcessedCandles[symbol]
	alreadyProcessed := seen && !closeTime.After(last)
	if !alreadyProcessed {
		c.lastProcessedCandles[symbol] = closeTime
	}
	c.mu.Unlock()
	if alreadyProcessed {
		return
	}

	signal, err := c.StrategyGen.Evaluate(ctx, symbol, daily, entryCandles, time.Now())
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("orchestrator: strategy evaluation failed")
		return
	}

	if _, err := c.Bus.Publish(ledger.SignalComputed, map[string]any{
		"symbol": symbol, "signal_type": string(signal.Type),
	}, nil); err != nil {
		log.Error().Err(err).Msg("orchestrator: failed to publish SIGNAL_COMPUTED")
		return
	}

	switch signal.Type {
	case strategy.SignalEntryLong, strategy.SignalEntryShort:
		c.proposeAndExecute(ctx, symbol, signal, snapshot)
	case strategy.SignalExit:
		c.exitPosition(ctx, symbol, snapshot, "SIGNAL_EXIT")
	}
}

func (c *Context) proposeAndExecute(ctx context.Context, symbol string, signal strategy.Signal, snapshot tradestate.TradingState) {
	if signal.Proposal == nil {
		return
	}
	proposal := *signal.Proposal

	if _, err := c.Bus.Publish(ledger.TradeProposed, map[string]any{
		"symbol": proposal.Symbol, "side": string(proposal.Side), "trade_id": proposal.TradeID,
	}, nil); err != nil {
		log.Error().Err(err).Msg("orchestrator: failed to publish TRADE_PROPOSED")
		return
	}

	filters, ok := c.filters[symbol]
	if !ok {
		fetched, err := c.Rest.ExchangeInfo(ctx, symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("orchestrator: fetch exchangeInfo failed")
			return
		}
		filters = domain.SymbolFilters{
			Symbol: symbol, TickSize: fetched.TickSize, StepSize: fetched.StepSize,
			MinQty: fetched.MinQty, MinNotional: fetched.MinNotional,
		}
		c.mu.Lock()
		c.filters[symbol] = filters
		c.mu.Unlock()
	}

	result := risk.Evaluate(snapshot, proposal, filters, time.Now(), c.RiskCfg)

	if result.CircuitBreaker {
		if _, err := c.Bus.Publish(ledger.CircuitBreakerTriggered, map[string]any{}, nil); err != nil {
			log.Error().Err(err).Msg("orchestrator: failed to publish CIRCUIT_BREAKER_TRIGGERED")
		}
		if err := ops.KillSwitch(ctx, c.Bus, c.Manager, c.Exec); err != nil {
			log.Error().Err(err).Msg("orchestrator: kill switch failed")
		}
		return
	}

	if !result.Approved {
		reasons := make([]any, len(result.Reasons))
		for i, r := range result.Reasons {
			reasons[i] = r
		}
		if _, err := c.Bus.Publish(ledger.RiskRejected, map[string]any{
			"symbol": proposal.Symbol, "reasons": reasons,
		}, nil); err != nil {
			log.Error().Err(err).Msg("orchestrator: failed to publish RISK_REJECTED")
		}
		return
	}

	if _, err := c.Bus.Publish(ledger.RiskApproved, map[string]any{
		"symbol": proposal.Symbol, "sized_quantity": result.SizedQuantity.String(),
	}, nil); err != nil {
		log.Error().Err(err).Msg("orchestrator: failed to publish RISK_APPROVED")
		return
	}

	if err := c.Exec.ExecuteEntry(ctx, proposal, result.SizedQuantity, result.RoundedEntry, result.RoundedStop, result.RoundedTakeProfit); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("orchestrator: execute entry failed")
		if _, ok := asAuthFailure(err); ok {
			if killErr := ops.KillSwitch(ctx, c.Bus, c.Manager, c.Exec); killErr != nil {
				log.Error().Err(killErr).Msg("orchestrator: kill switch after auth failure also failed")
			}
		}
	}
}

func (c *Context) exitPosition(ctx context.Context, symbol string, snapshot tradestate.TradingState, reason string) {
	position, ok := snapshot.Positions[symbol]
	if !ok {
		return
	}
	tradeID := fmt.Sprintf("EXIT-%s-%d", symbol, position.OpenedAt.UnixNano())
	if err := c.Exec.ExecuteExit(ctx, position, tradeID, reason); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("orchestrator: execute exit failed")
	}
}

func (c *Context) handleUserStreamEvent(ev binance.UserStreamEvent) {
	switch ev.Kind {
	case "ORDER_TRADE_UPDATE":
		c.handleOrderUpdate(ev)
	case "ACCOUNT_UPDATE":
		c.handleAccountUpdate(ev)
	}
}

func (c *Context) handleOrderUpdate(ev binance.UserStreamEvent) {
	var eventType ledger.EventType
	switch ev.OrderStatus {
	case "FILLED":
		if c.Exec.IsFinalized(ev.ClientOrderID) {
			return
		}
		eventType = ledger.OrderFilled
	case "PARTIALLY_FILLED":
		eventType = ledger.OrderPartialFill
	case "CANCELED", "EXPIRED", "REJECTED":
		eventType = ledger.OrderCancelled
	default:
		return
	}
	if _, err := c.Bus.Publish(eventType, map[string]any{
		"client_order_id": ev.ClientOrderID, "symbol": ev.Symbol,
		"fill_price": ev.FillPrice, "fill_quantity": ev.FillQuantity,
	}, nil); err != nil {
		log.Error().Err(err).Msg("orchestrator: failed to publish user-stream order event")
	}
}

func (c *Context) handleAccountUpdate(ev binance.UserStreamEvent) {
	log.Debug().Str("equity", ev.AccountEquity).Msg("orchestrator: account update received; reconciliation owns balance drift detection")
}

// KillSwitch cancels open orders and exits positions, in that order. It is
// exposed here too so an operator-fired kill-switch action reaches exactly
// the same code path as the automatic one.
func (c *Context) KillSwitch(ctx context.Context) error {
	return ops.KillSwitch(ctx, c.Bus, c.Manager, c.Exec)
}

func asAuthFailure(err error) (*execution.AuthFailureError, bool) {
	var auth *execution.AuthFailureError
	if err == nil {
		return nil, false
	}
	for {
		if a, ok := err.(*execution.AuthFailureError); ok {
			return a, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return auth, false
		}
		err = u.Unwrap()
		if err == nil {
			return auth, false
		}
	}
}
