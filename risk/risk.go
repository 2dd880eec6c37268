// Package risk implements the pure decision function that stands between a
// strategy's TradeProposal and the execution engine. It holds no mutable
// state of its own — every counter it reasons about (equity, drawdown,
// daily loss, cooldown) lives in the tradestate.TradingState snapshot
// passed into Evaluate.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/apollo-trading/futures-core/domain"
	"github.com/apollo-trading/futures-core/tradestate"
)

// Config is the set of static thresholds an operator configures. None of
// its fields are mutated at runtime — Evaluate is a pure function of
// (state, proposal, filters, now, Config).
type Config struct {
	MaxDrawdownPct      decimal.Decimal
	DailyLossLimit      decimal.Decimal
	RiskPctPerTrade     decimal.Decimal
	MaxPositions        int
	MaxLeverage         int
	NewsBlockLevel      domain.NewsLevel
	NewsTTL             time.Duration
}

// Engine wraps Config so callers construct one value at startup, even
// though Evaluate itself takes no receiver-held mutable state.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Reason codes, one per gate in Evaluate.
const (
	ReasonCooldownActive      = "COOLDOWN_ACTIVE"
	ReasonManualReviewRequired = "MANUAL_REVIEW_REQUIRED"
	ReasonCircuitBreaker      = "CIRCUIT_BREAKER"
	ReasonDailyLossLimit      = "DAILY_LOSS_LIMIT"
	ReasonMaxPositions        = "MAX_POSITIONS"
	ReasonDuplicatePosition   = "DUPLICATE_POSITION"
	ReasonNewsRiskBlock       = "NEWS_RISK_BLOCK"
	ReasonSizingInfeasible    = "SIZING_INFEASIBLE"
	ReasonLeverageExceeded    = "LEVERAGE_EXCEEDED"
	ReasonRoundingInvalid     = "ROUNDING_INVALID"
)

// Result is the verdict Evaluate returns: whether the proposal is approved,
// every reason it wasn't (if any), and the sized/rounded order parameters.
type Result struct {
	Approved       bool
	Reasons        []string
	CircuitBreaker bool

	SizedQuantity       decimal.Decimal
	RoundedEntry        decimal.Decimal
	RoundedStop         decimal.Decimal
	RoundedTakeProfit   *decimal.Decimal
}

// Evaluate runs every gate in order. Gates do not short-circuit the batch:
// every failing gate contributes its reason, and all reasons are reported
// together rather than stopping at the first failure. The function
// performs no I/O and reads the clock only through now.
func Evaluate(state tradestate.TradingState, proposal domain.TradeProposal, filters domain.SymbolFilters, now time.Time, cfg Config) Result {
	var reasons []string

	// 1. Cooldown
	if state.CooldownUntil != nil && state.CooldownUntil.After(now) {
		reasons = append(reasons, ReasonCooldownActive)
	}

	// 2. Manual review / circuit breaker
	if state.RequiresManualReview {
		reasons = append(reasons, ReasonManualReviewRequired)
	}
	if state.CircuitBreakerActive {
		reasons = append(reasons, ReasonCircuitBreaker)
	}

	// 3. Drawdown circuit breaker
	circuitBreaker := false
	if state.PeakEquity.IsPositive() {
		drawdown := state.PeakEquity.Sub(state.Equity).Div(state.PeakEquity)
		if drawdown.GreaterThan(cfg.MaxDrawdownPct) {
			circuitBreaker = true
		}
	}

	// 4. Daily loss limit
	if state.RealizedPnLToday.LessThan(cfg.DailyLossLimit.Neg()) {
		reasons = append(reasons, ReasonDailyLossLimit)
	}

	// 5. Max concurrent positions
	if _, exists := state.Positions[proposal.Symbol]; !exists && len(state.Positions) >= cfg.MaxPositions {
		reasons = append(reasons, ReasonMaxPositions)
	}

	// 6. Duplicate position
	if existing, exists := state.Positions[proposal.Symbol]; exists && existing.Side == proposal.Side {
		reasons = append(reasons, ReasonDuplicatePosition)
	}

	// 7. News risk
	if state.BlocksEntries(proposal.Symbol, now, cfg.NewsTTL, cfg.NewsBlockLevel) {
		reasons = append(reasons, ReasonNewsRiskBlock)
	}

	// 8. Sizing
	quantity, sizingOK := size(state.Equity, cfg.RiskPctPerTrade, proposal.EntryPrice, proposal.StopPrice, filters)
	if !sizingOK {
		reasons = append(reasons, ReasonSizingInfeasible)
	}

	// 9. Leverage
	if proposal.Leverage > cfg.MaxLeverage {
		reasons = append(reasons, ReasonLeverageExceeded)
	}

	// 10. Tick/step rounding
	roundedEntry := roundToTick(proposal.EntryPrice, filters.TickSize)
	roundedStop := roundToTick(proposal.StopPrice, filters.TickSize)
	var roundedTP *decimal.Decimal
	if proposal.TakeProfit != nil {
		rtp := roundToTick(*proposal.TakeProfit, filters.TickSize)
		roundedTP = &rtp
	}
	if roundedEntry.Sub(roundedStop).Abs().IsZero() {
		reasons = append(reasons, ReasonRoundingInvalid)
	}

	if circuitBreaker {
		return Result{Approved: false, Reasons: reasons, CircuitBreaker: true}
	}

	return Result{
		Approved:          len(reasons) == 0,
		Reasons:           reasons,
		SizedQuantity:     quantity,
		RoundedEntry:      roundedEntry,
		RoundedStop:       roundedStop,
		RoundedTakeProfit: roundedTP,
	}
}

// size computes the quantity such that per-unit risk times quantity equals
// riskPct * equity, floors it to the step size, rejects it below min-qty,
// and promotes it to clear min-notional. Returns ok=false when no quantity
// can satisfy both the risk budget and the exchange minimums simultaneously.
func size(equity, riskPct, entry, stop decimal.Decimal, filters domain.SymbolFilters) (decimal.Decimal, bool) {
	riskPerUnit := entry.Sub(stop).Abs()
	if riskPerUnit.IsZero() {
		return decimal.Zero, false
	}

	riskAmount := equity.Mul(riskPct)
	quantity := riskAmount.Div(riskPerUnit)

	quantity = floorToStep(quantity, filters.StepSize)
	if quantity.LessThan(filters.MinQty) {
		return decimal.Zero, false
	}

	notional := quantity.Mul(entry)
	if notional.LessThan(filters.MinNotional) {
		if filters.StepSize.IsZero() {
			return decimal.Zero, false
		}
		needed := filters.MinNotional.Div(entry)
		quantity = ceilToStep(needed, filters.StepSize)
		notional = quantity.Mul(entry)
		// Promoting to clear min_notional must not blow the risk budget
		// past what riskPct actually authorizes for this trade.
		if quantity.Mul(riskPerUnit).GreaterThan(riskAmount) {
			return decimal.Zero, false
		}
		if notional.LessThan(filters.MinNotional) {
			return decimal.Zero, false
		}
	}

	if quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	return quantity, true
}

func floorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func ceilToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Ceil().Mul(step)
}

func roundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}
