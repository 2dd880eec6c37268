package tradestate

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/apollo-trading/futures-core/domain"
	"github.com/apollo-trading/futures-core/ledger"
)

// Config holds the handful of settings the fold itself needs, as opposed to
// the risk engine's gate thresholds — those live in risk.Config.
type Config struct {
	InitialEquity    decimal.Decimal
	NewsFlagCapacity int // LRU cap on tracked symbols; 0 means unbounded

	ConsecutiveLossLimit int           // N consecutive losing closes that trigger a cooldown; 0 disables it
	CooldownAfterLosses  time.Duration // how long CooldownUntil is set for once the limit is hit
}

// Manager owns the single authoritative TradingState and applies events to
// it one at a time under mu, so concurrent loops can publish freely without
// racing on projected state.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	state TradingState

	lastEventDate string   // UTC "2006-01-02" of the last applied event, for day-roll detection
	newsLRU       []string // most-recently-touched news symbol last
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		state: NewState(cfg.InitialEquity),
	}
}

// Rebuild resets to the initial state and applies every event in order,
// exactly as a fresh process does at startup.
func (m *Manager) Rebuild(events []ledger.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = NewState(m.cfg.InitialEquity)
	m.lastEventDate = ""
	m.newsLRU = nil

	for _, ev := range events {
		m.applyLocked(ev)
	}
}

// Snapshot returns an independent copy of the current state, safe to read
// or pass to risk.Evaluate without holding any lock.
func (m *Manager) Snapshot() TradingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Apply folds a single committed event into state. It is registered with
// the event bus ahead of every other handler so downstream subscribers
// always observe post-event state.
func (m *Manager) Apply(ev ledger.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(ev)
}

func (m *Manager) applyLocked(ev ledger.Event) {
	m.rollDayIfNeeded(ev.Timestamp)

	switch ev.EventType {
	case ledger.UniverseUpdated:
		m.state.Universe = ev.StringSlice("symbols")

	case ledger.NewsClassified:
		m.applyNewsClassified(ev)

	case ledger.CircuitBreakerTriggered:
		m.state.CircuitBreakerActive = true
		m.state.RequiresManualReview = true

	case ledger.ManualReviewAcknowledged:
		m.state.RequiresManualReview = false

	case ledger.OrderPlaced:
		m.applyOrderPlaced(ev)

	case ledger.OrderPartialFill:
		m.applyOrderPartialFill(ev)

	case ledger.OrderFilled:
		delete(m.state.OpenOrders, ev.Str("client_order_id"))

	case ledger.OrderCancelled:
		delete(m.state.OpenOrders, ev.Str("client_order_id"))

	case ledger.PositionOpened:
		m.applyPositionOpened(ev)

	case ledger.PositionClosed:
		m.applyPositionClosed(ev)

	case ledger.ManualIntervention:
		m.applyManualIntervention(ev)

	case ledger.ReconciliationCompleted:
		ts := ev.Timestamp
		m.state.LastReconciliation = &ts

	case ledger.SystemStarted, ledger.SystemStopped,
		ledger.NewsIngested, ledger.SignalComputed, ledger.TradeProposed,
		ledger.RiskApproved, ledger.RiskRejected:
		// Recorded in the ledger for audit/replay but carries no
		// TradingState field mutation of its own.

	default:
		log.Warn().Str("event_type", string(ev.EventType)).Msg("tradestate: ignoring unknown event type")
	}

	m.state.LastEventSequence = ev.SequenceNum
}

func (m *Manager) rollDayIfNeeded(ts time.Time) {
	day := ts.UTC().Format("2006-01-02")
	if m.lastEventDate == "" {
		m.lastEventDate = day
		return
	}
	if day != m.lastEventDate {
		m.state.DailyLoss = decimal.Zero
		m.state.RealizedPnLToday = decimal.Zero
		m.lastEventDate = day
	}
}

func (m *Manager) applyOrderPlaced(ev ledger.Event) {
	id := ev.Str("client_order_id")
	order := domain.OpenOrder{
		ClientOrderID: id,
		Symbol:        ev.Str("symbol"),
		Side:          domain.Side(ev.Str("side")),
		OrderType:     domain.OrderType(ev.Str("order_type")),
		Quantity:      decimalFromEvent(ev, "quantity"),
		ReduceOnly:    ev.Bool("reduce_only"),
		Status:        domain.OrderStatusNew,
		CreatedAt:     ev.Timestamp,
		OrderID:       ev.Str("order_id"),
	}
	if p, ok := ev.Payload["price"]; ok && p != nil {
		d := decimalFromEvent(ev, "price")
		order.Price = &d
	}
	if p, ok := ev.Payload["stop_price"]; ok && p != nil {
		d := decimalFromEvent(ev, "stop_price")
		order.StopPrice = &d
	}
	m.state.OpenOrders[id] = order
}

func (m *Manager) applyOrderPartialFill(ev ledger.Event) {
	id := ev.Str("client_order_id")
	order, ok := m.state.OpenOrders[id]
	if !ok {
		log.Warn().Str("client_order_id", id).Msg("tradestate: partial fill for unknown order")
		return
	}
	order.Status = domain.OrderStatusPartiallyFilled
	if remaining, present := ev.Payload["remaining_quantity"]; present && remaining != nil {
		order.Quantity = decimalFromEvent(ev, "remaining_quantity")
	}
	m.state.OpenOrders[id] = order
}

func (m *Manager) applyPositionOpened(ev ledger.Event) {
	symbol := ev.Str("symbol")
	pos := domain.Position{
		Symbol:     symbol,
		Side:       domain.Side(ev.Str("side")),
		Quantity:   decimalFromEvent(ev, "quantity"),
		EntryPrice: decimalFromEvent(ev, "entry_price"),
		Leverage:   int(ev.Float("leverage")),
		OpenedAt:   ev.Timestamp,
	}
	if v, ok := ev.Payload["stop_price"]; ok && v != nil {
		pos.StopPrice = decimalFromEvent(ev, "stop_price")
	}
	if v, ok := ev.Payload["take_profit"]; ok && v != nil {
		pos.TakeProfit = decimalFromEvent(ev, "take_profit")
	}
	if _, exists := m.state.Positions[symbol]; exists {
		log.Warn().Str("symbol", symbol).Msg("tradestate: POSITION_OPENED overwrites an existing position")
	}
	m.state.Positions[symbol] = pos
}

func (m *Manager) applyPositionClosed(ev ledger.Event) {
	symbol := ev.Str("symbol")
	realized := decimalFromEvent(ev, "realized_pnl")

	delete(m.state.Positions, symbol)

	m.state.Equity = m.state.Equity.Add(realized)
	m.state.RealizedPnLToday = m.state.RealizedPnLToday.Add(realized)
	if realized.IsNegative() {
		m.state.DailyLoss = m.state.DailyLoss.Add(realized.Abs())
		m.state.ConsecutiveLosses++
		if m.cfg.ConsecutiveLossLimit > 0 && m.state.ConsecutiveLosses >= m.cfg.ConsecutiveLossLimit {
			until := ev.Timestamp.Add(m.cfg.CooldownAfterLosses)
			m.state.CooldownUntil = &until
		}
	} else {
		m.state.ConsecutiveLosses = 0
	}
	if m.state.Equity.GreaterThan(m.state.PeakEquity) {
		m.state.PeakEquity = m.state.Equity
	}
}

func (m *Manager) applyManualIntervention(ev ledger.Event) {
	switch ev.Str("action") {
	case "OPERATOR_PAUSE":
		if v, ok := ev.Payload["cooldown_until"]; ok && v != nil {
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					m.state.CooldownUntil = &t
				}
			}
		}
	case "OPERATOR_RESUME":
		m.state.CooldownUntil = nil
		m.state.RequiresManualReview = false
	default:
		m.state.RequiresManualReview = true
	}
}

func (m *Manager) applyNewsClassified(ev ledger.Event) {
	level := domain.NewsLevel(ev.Str("level"))
	flag := domain.NewsRiskFlag{
		Level:       level,
		Reason:      ev.Str("reason"),
		Confidence:  ev.Float("confidence"),
		LastUpdated: ev.Timestamp,
	}

	symbols := ev.StringSlice("symbols_mentioned")
	if len(symbols) == 0 {
		if rank(level) >= rank(domain.NewsMedium) {
			symbols = []string{domain.GlobalSymbol}
		} else {
			return
		}
	}

	for _, symbol := range symbols {
		flag.Symbol = symbol
		m.state.NewsRiskFlags[symbol] = flag
		m.touchNewsLRU(symbol)
	}
	m.evictNewsOverCapacity()
}

func (m *Manager) touchNewsLRU(symbol string) {
	for i, s := range m.newsLRU {
		if s == symbol {
			m.newsLRU = append(m.newsLRU[:i], m.newsLRU[i+1:]...)
			break
		}
	}
	m.newsLRU = append(m.newsLRU, symbol)
}

func (m *Manager) evictNewsOverCapacity() {
	if m.cfg.NewsFlagCapacity <= 0 {
		return
	}
	for len(m.newsLRU) > m.cfg.NewsFlagCapacity {
		oldest := m.newsLRU[0]
		m.newsLRU = m.newsLRU[1:]
		delete(m.state.NewsRiskFlags, oldest)
	}
}

func decimalFromEvent(ev ledger.Event, key string) decimal.Decimal {
	switch v := ev.Payload[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(v)
	default:
		return decimal.Zero
	}
}
