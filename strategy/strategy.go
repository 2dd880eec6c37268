// Package strategy defines the boundary the orchestrator calls into for
// signal generation. Indicators, scoring, and universe-selection heuristics
// are left to the implementing collaborator — this package only names the
// shape it must satisfy.
package strategy

import (
	"context"
	"time"

	"github.com/apollo-trading/futures-core/binance"
	"github.com/apollo-trading/futures-core/domain"
)

// SignalType is what a Generator decided for one symbol on one evaluation.
type SignalType string

const (
	SignalNone      SignalType = "NONE"
	SignalEntryLong  SignalType = "ENTRY_LONG"
	SignalEntryShort SignalType = "ENTRY_SHORT"
	SignalExit       SignalType = "EXIT"
)

// Signal is the output of one strategy evaluation for one symbol.
type Signal struct {
	Symbol          string
	Type            SignalType
	EntryCandleClose time.Time
	Proposal        *domain.TradeProposal // set when Type is an entry
}

// Generator is the external collaborator the strategy loop calls each
// cycle. How it scores candles into a signal is opaque to this module; the
// orchestrator only needs a Signal back.
type Generator interface {
	Evaluate(ctx context.Context, symbol string, daily, entry []binance.Kline, now time.Time) (Signal, error)
}

// UniverseProvider selects which symbols are currently tradable. Universe
// selection heuristics are left to the implementation; the orchestrator's
// universe loop only needs the resulting symbol list back once every 24h.
type UniverseProvider interface {
	Universe(ctx context.Context) ([]string, error)
}
