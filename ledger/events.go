package ledger

// EventType is the closed set of event kinds the ledger will ever persist.
// Partitioned by subsystem per spec; add new kinds here, never invent a
// string elsewhere.
type EventType string

const (
	// System
	SystemStarted EventType = "SYSTEM_STARTED"
	SystemStopped EventType = "SYSTEM_STOPPED"

	// Universe
	UniverseUpdated EventType = "UNIVERSE_UPDATED"

	// News
	NewsIngested  EventType = "NEWS_INGESTED"
	NewsClassified EventType = "NEWS_CLASSIFIED"

	// Signal
	SignalComputed EventType = "SIGNAL_COMPUTED"
	TradeProposed  EventType = "TRADE_PROPOSED"

	// Risk
	RiskApproved           EventType = "RISK_APPROVED"
	RiskRejected           EventType = "RISK_REJECTED"
	CircuitBreakerTriggered EventType = "CIRCUIT_BREAKER_TRIGGERED"

	// Order
	OrderPlaced      EventType = "ORDER_PLACED"
	OrderPartialFill EventType = "ORDER_PARTIAL_FILL"
	OrderFilled      EventType = "ORDER_FILLED"
	OrderCancelled   EventType = "ORDER_CANCELLED"

	// Position
	PositionOpened EventType = "POSITION_OPENED"
	PositionClosed EventType = "POSITION_CLOSED"

	// Ops
	ReconciliationCompleted  EventType = "RECONCILIATION_COMPLETED"
	ManualIntervention       EventType = "MANUAL_INTERVENTION"
	ManualReviewAcknowledged EventType = "MANUAL_REVIEW_ACKNOWLEDGED"
)

// AllEventTypes enumerates every kind, used by callers (e.g. the
// orchestrator) that want to register a handler against all of them
// without hand-maintaining a second list.
var AllEventTypes = []EventType{
	SystemStarted, SystemStopped,
	UniverseUpdated,
	NewsIngested, NewsClassified,
	SignalComputed, TradeProposed,
	RiskApproved, RiskRejected, CircuitBreakerTriggered,
	OrderPlaced, OrderPartialFill, OrderFilled, OrderCancelled,
	PositionOpened, PositionClosed,
	ReconciliationCompleted, ManualIntervention, ManualReviewAcknowledged,
}
