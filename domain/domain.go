// Package domain holds the plain data types shared across the ledger, state,
// risk, and execution packages. Keeping them here (value types only, no
// pointers between them) avoids import cycles and matches the event model:
// events are self-contained records, never references into live state.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a position or order direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// OrderType enumerates the order shapes the execution engine places.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderStatus is the exchange-facing lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the order no longer belongs in open_orders.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected
}

// NewsLevel is the risk severity news classification assigns a symbol.
type NewsLevel string

const (
	NewsLow    NewsLevel = "LOW"
	NewsMedium NewsLevel = "MEDIUM"
	NewsHigh   NewsLevel = "HIGH"
)

// rank orders severity for max() comparisons.
func (l NewsLevel) rank() int {
	switch l {
	case NewsHigh:
		return 2
	case NewsMedium:
		return 1
	default:
		return 0
	}
}

// MaxLevel returns the more severe of two news levels.
func MaxLevel(a, b NewsLevel) NewsLevel {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// GlobalSymbol is the reserved key for a news flag that applies to every symbol.
const GlobalSymbol = "*"

// Position is an open perpetual-futures position on one symbol.
type Position struct {
	Symbol       string
	Side         Side
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	Leverage     int
	OpenedAt     time.Time
	StopPrice    decimal.Decimal
	TakeProfit   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
}

// OpenOrder is a live (non-terminal) order tracked by client_order_id.
type OpenOrder struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	OrderType     OrderType
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	ReduceOnly    bool
	Status        OrderStatus
	CreatedAt     time.Time
	OrderID       string // exchange-assigned, empty until acked
}

// NewsRiskFlag is the current classification for a symbol (or GlobalSymbol).
type NewsRiskFlag struct {
	Symbol      string
	Level       NewsLevel
	Reason      string
	Confidence  float64
	LastUpdated time.Time
}

// TradeProposal is the sole input the risk engine and execution engine
// accept from strategy evaluation. How it is produced (indicators, scoring,
// universe selection) is out of scope for this module.
type TradeProposal struct {
	Symbol      string
	Side        Side
	EntryPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TakeProfit  *decimal.Decimal
	ATR         float64
	Leverage    int
	Score       float64
	FundingRate float64
	NewsRisk    NewsLevel
	TradeID     string
	CreatedAt   time.Time
}

// SymbolFilters are the exchange-enforced rounding/size rules for a symbol.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Discrepancy describes a single mismatch found during reconciliation
// (§4.8). It is published as a MANUAL_INTERVENTION event verbatim.
type Discrepancy struct {
	Kind    string // "POSITION_DRIFT" | "ORDER_DRIFT" | "BALANCE_DRIFT"
	Symbol  string
	Local   any
	Remote  any
	Message string
}
