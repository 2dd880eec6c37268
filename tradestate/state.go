// Package tradestate folds the ledger's event stream into TradingState, the
// single structure every other component reads to decide what to do next.
package tradestate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/apollo-trading/futures-core/domain"
)

// TradingState is the deterministic projection of every event applied so
// far. It is a plain value: Manager owns the authoritative copy under a
// lock, but snapshots handed to callers (risk engine,
// reconciliation, the ops surface) are independent copies that can be
// queried without any lock held, which is what lets risk.Evaluate stay a
// pure function of (state, proposal, filters, now).
type TradingState struct {
	Equity           decimal.Decimal
	PeakEquity       decimal.Decimal
	RealizedPnLToday decimal.Decimal
	DailyLoss        decimal.Decimal
	ConsecutiveLosses int

	CooldownUntil        *time.Time
	CircuitBreakerActive bool
	RequiresManualReview bool

	Universe []string

	Positions  map[string]domain.Position
	OpenOrders map[string]domain.OpenOrder

	NewsRiskFlags map[string]domain.NewsRiskFlag

	LastReconciliation *time.Time
	LastEventSequence  uint64
}

// NewState returns the zeroed initial state with the given starting equity,
// the same state Rebuild resets to before folding any events.
func NewState(initialEquity decimal.Decimal) TradingState {
	return TradingState{
		Equity:        initialEquity,
		PeakEquity:    initialEquity,
		Positions:     make(map[string]domain.Position),
		OpenOrders:    make(map[string]domain.OpenOrder),
		NewsRiskFlags: make(map[string]domain.NewsRiskFlag),
	}
}

// Clone returns a deep-enough copy: every map and pointer field is copied so
// that mutating the clone (or the original, going forward) cannot be
// observed through the other.
func (s TradingState) Clone() TradingState {
	out := s
	out.Positions = make(map[string]domain.Position, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	out.OpenOrders = make(map[string]domain.OpenOrder, len(s.OpenOrders))
	for k, v := range s.OpenOrders {
		out.OpenOrders[k] = v
	}
	out.NewsRiskFlags = make(map[string]domain.NewsRiskFlag, len(s.NewsRiskFlags))
	for k, v := range s.NewsRiskFlags {
		out.NewsRiskFlags[k] = v
	}
	out.Universe = append([]string(nil), s.Universe...)
	if s.CooldownUntil != nil {
		t := *s.CooldownUntil
		out.CooldownUntil = &t
	}
	if s.LastReconciliation != nil {
		t := *s.LastReconciliation
		out.LastReconciliation = &t
	}
	return out
}

// NewsRisk returns the max of the symbol's own flag and the global (`*`)
// flag, treating either as absent once it is older than ttl. A missing
// flag contributes domain.NewsLow.
func (s TradingState) NewsRisk(symbol string, now time.Time, ttl time.Duration) domain.NewsLevel {
	level := domain.NewsLow
	if flag, ok := s.NewsRiskFlags[symbol]; ok && now.Sub(flag.LastUpdated) <= ttl {
		level = domain.MaxLevel(level, flag.Level)
	}
	if flag, ok := s.NewsRiskFlags[domain.GlobalSymbol]; ok && now.Sub(flag.LastUpdated) <= ttl {
		level = domain.MaxLevel(level, flag.Level)
	}
	return level
}

// BlocksEntries reports whether news risk for symbol is at or above
// blockLevel. This only ever blocks *new* entries; it has no bearing on
// existing positions.
func (s TradingState) BlocksEntries(symbol string, now time.Time, ttl time.Duration, blockLevel domain.NewsLevel) bool {
	return rank(s.NewsRisk(symbol, now, ttl)) >= rank(blockLevel)
}

func rank(l domain.NewsLevel) int {
	switch l {
	case domain.NewsHigh:
		return 2
	case domain.NewsMedium:
		return 1
	default:
		return 0
	}
}

// Reconcile is a pure diff against exchange truth. It never mutates s; the
// caller folds the returned discrepancies back in by publishing
// MANUAL_INTERVENTION events through the normal event path.
func (s TradingState) Reconcile(
	exchangeEquity decimal.Decimal,
	exchangePositions map[string]domain.Position,
	exchangeOrders map[string]domain.OpenOrder,
	balanceTolerance decimal.Decimal,
) []domain.Discrepancy {
	var discrepancies []domain.Discrepancy

	seen := make(map[string]bool, len(s.Positions))
	for symbol, local := range s.Positions {
		seen[symbol] = true
		remote, ok := exchangePositions[symbol]
		if !ok {
			discrepancies = append(discrepancies, domain.Discrepancy{
				Kind: "POSITION_DRIFT", Symbol: symbol,
				Local: local, Remote: nil,
				Message: "position open locally but absent on exchange",
			})
			continue
		}
		if !remote.Quantity.Equal(local.Quantity) || remote.Side != local.Side {
			discrepancies = append(discrepancies, domain.Discrepancy{
				Kind: "POSITION_DRIFT", Symbol: symbol,
				Local: local, Remote: remote,
				Message: "position quantity or side mismatch",
			})
		}
	}
	for symbol, remote := range exchangePositions {
		if !seen[symbol] {
			discrepancies = append(discrepancies, domain.Discrepancy{
				Kind: "POSITION_DRIFT", Symbol: symbol,
				Local: nil, Remote: remote,
				Message: "position open on exchange but absent locally",
			})
		}
	}

	seenOrders := make(map[string]bool, len(s.OpenOrders))
	for id, local := range s.OpenOrders {
		seenOrders[id] = true
		if _, ok := exchangeOrders[id]; !ok {
			discrepancies = append(discrepancies, domain.Discrepancy{
				Kind: "ORDER_DRIFT", Symbol: local.Symbol,
				Local: local, Remote: nil,
				Message: "order open locally but absent on exchange: " + id,
			})
		}
	}
	for id, remote := range exchangeOrders {
		if !seenOrders[id] {
			discrepancies = append(discrepancies, domain.Discrepancy{
				Kind: "ORDER_DRIFT", Symbol: remote.Symbol,
				Local: nil, Remote: remote,
				Message: "order open on exchange but absent locally: " + id,
			})
		}
	}

	if exchangeEquity.Sub(s.Equity).Abs().GreaterThan(balanceTolerance) {
		discrepancies = append(discrepancies, domain.Discrepancy{
			Kind: "BALANCE_DRIFT",
			Local: s.Equity, Remote: exchangeEquity,
			Message: "ledger-derived equity disagrees with exchange balance beyond tolerance",
		})
	}

	return discrepancies
}
