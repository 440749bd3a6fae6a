// Package domain holds the persisted shapes shared by every component:
// sessions, orders, positions, strategy state, and the append-only logs.
package domain

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the broker order variety.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL_M"
)

// ProductType is the broker margin product.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"
	ProductNRML ProductType = "NRML"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderCreated         OrderStatus = "CREATED"
	OrderRiskChecking    OrderStatus = "RISK_CHECKING"
	OrderRiskApproved    OrderStatus = "RISK_APPROVED"
	OrderRiskRejected    OrderStatus = "RISK_REJECTED"
	OrderSending         OrderStatus = "SENDING"
	OrderAcknowledged    OrderStatus = "ACKNOWLEDGED"
	OrderPending         OrderStatus = "PENDING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order will never transition again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderRiskRejected:
		return true
	default:
		return false
	}
}

// KillReason names why a session's kill-switch tripped.
type KillReason string

const (
	KillManual          KillReason = "MANUAL"
	KillDailyLossBreach KillReason = "DAILY_LOSS_BREACH"
	KillMarginBreach    KillReason = "MARGIN_BREACH"
	KillSystemError     KillReason = "SYSTEM_ERROR"
	KillReconcileFail   KillReason = "RECONCILE_FAIL"
)

// ReconcileRunStatus is the outcome of one reconciliation cycle or order/position row.
type ReconcileRunStatus string

const (
	ReconcilePending   ReconcileRunStatus = "PENDING"
	ReconcileOK        ReconcileRunStatus = "OK"
	ReconcileMismatch  ReconcileRunStatus = "MISMATCH"
	ReconcileFailed    ReconcileRunStatus = "FAILED"
	ReconcileCorrected ReconcileRunStatus = "CORRECTED"
)

// StrategyStatus is the lifecycle state of a registered strategy.
type StrategyStatus string

const (
	StrategyStopped  StrategyStatus = "stopped"
	StrategyStarting StrategyStatus = "starting"
	StrategyRunning  StrategyStatus = "running"
	StrategyPaused   StrategyStatus = "paused"
	StrategyStopping StrategyStatus = "stopping"
	StrategyError    StrategyStatus = "error"
)

// ControlIntent is a pending operator-requested transition.
type ControlIntent string

const (
	IntentNone   ControlIntent = ""
	IntentPause  ControlIntent = "pause"
	IntentResume ControlIntent = "resume"
	IntentStop   ControlIntent = "stop"
	IntentStart  ControlIntent = "start"
)

// DirectionBias is a strategy's directional read on the market.
type DirectionBias string

const (
	BiasBull    DirectionBias = "BULL"
	BiasBear    DirectionBias = "BEAR"
	BiasNeutral DirectionBias = "NEUTRAL"
)

// Signal is the strategy's current trading intent for its instrument.
type Signal string

const (
	SignalLong      Signal = "LONG"
	SignalShort     Signal = "SHORT"
	SignalFlat      Signal = "FLAT"
	SignalWaiting   Signal = "WAITING"
	SignalBuy       Signal = "BUY"
	SignalSell      Signal = "SELL"
	SignalExitLong  Signal = "EXIT_LONG"
	SignalExitShort Signal = "EXIT_SHORT"
)

// IsActionable reports whether a signal change should be routed to the risk engine.
func (s Signal) IsActionable() bool {
	switch s {
	case SignalBuy, SignalSell, SignalExitLong, SignalExitShort:
		return true
	default:
		return false
	}
}

// BreakerState is a circuit breaker's current position in the state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// TradingSession is the one-row-per-day authoritative session record.
type TradingSession struct {
	ID                    string
	Date                  string // YYYY-MM-DD, unique
	IsKilled              bool
	KillReason            KillReason
	KillTime              *time.Time
	KilledBy              string
	MaxDailyLoss          float64
	MaxPositionSize       int64
	MaxOpenOrders         int
	MaxMarginUsagePct     float64
	MaxLotSize            int64
	RealizedPnL           float64
	UnrealizedPnL         float64
	TotalOrders           int
	RejectedOrders        int
	ReconcileFailureCount int
	LastReconcileAt       *time.Time
	LastReconcileStatus   ReconcileRunStatus
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DayPnL is the running realized+unrealized total used by the daily-loss check.
func (s *TradingSession) DayPnL() float64 {
	return s.RealizedPnL + s.UnrealizedPnL
}

// StatusEvent is one append-only entry in an order's status_history.
type StatusEvent struct {
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Actor     string      `json:"actor"`
	Reason    string      `json:"reason,omitempty"`
}

// RiskSnapshot is the immutable record of every value the risk engine checked.
type RiskSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	AvailableMargin float64   `json:"available_margin"`
	UsedMargin      float64   `json:"used_margin"`
	MarginPct       float64   `json:"margin_pct"`
	DayPnL          float64   `json:"day_pnl"`
	OpenPositions   int       `json:"open_positions"`
	EstMarginReq    float64   `json:"est_margin_req"`
	Lots            int64     `json:"lots"`
	LockType        string    `json:"lock_type"`
	Checks          []string  `json:"checks"`
}

// Order is a single order row, keyed uniquely on IdempotencyKey and (when present) BrokerOrderID.
type Order struct {
	ID               string
	SessionID        string
	IdempotencyKey   string
	Symbol           string
	DisplaySymbol    string
	Side             OrderSide
	Type             OrderType
	Product          ProductType
	Quantity         int64
	Price            *float64
	TriggerPrice     *float64
	Validity         string
	Status           OrderStatus
	StatusHistory    []StatusEvent
	BrokerOrderID    string
	FilledQty        int64
	AvgFillPrice     float64
	FillTimestamp    *time.Time
	RejectReason     string
	BrokerRejectCode string
	RiskSnapshot     *RiskSnapshot
	SentAt           *time.Time
	AckedAt          *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AppendStatus pushes a new status transition, keeping Status in sync with the last entry.
func (o *Order) AppendStatus(status OrderStatus, actor, reason string) {
	o.Status = status
	o.StatusHistory = append(o.StatusHistory, StatusEvent{
		Status: status, Timestamp: time.Now(), Actor: actor, Reason: reason,
	})
}

// Position is a net-quantity row keyed uniquely on (SessionID, Symbol, Product).
type Position struct {
	ID               string
	SessionID        string
	Symbol           string
	Product          ProductType
	NetQuantity      int64
	BuyQuantity      int64
	SellQuantity     int64
	AvgBuyPrice      float64
	AvgSellPrice     float64
	LastPrice        float64
	UnrealizedPnL    float64
	RealizedPnL      float64
	BrokerQuantity   int64
	ReconcileStatus  ReconcileRunStatus
	LastReconciledAt *time.Time
	UpdatedAt        time.Time
}

// StrategyState is the exactly-one-row-per-strategy live record.
type StrategyState struct {
	Name          string
	Symbol        string
	Status        StrategyStatus
	ControlIntent ControlIntent
	IntentSetAt   *time.Time
	IntentAckedAt *time.Time
	IntentActor   string

	PnL              float64
	AllocatedCapital float64
	OpenQty          int64
	AvgEntry         float64
	LTP              float64
	WinRate          float64
	TotalTrades      int
	WinningTrades    int

	NetDelta      float64
	DrawdownPct   float64
	MaxDDCap      float64
	RiskPct       float64
	DirectionBias DirectionBias
	CurrentSignal Signal

	ErrorMessage string
	ErrorTrace   string
	ErrorCount   int
	LastErrorAt  *time.Time
	LastGoodAt   *time.Time
	RestartCount int
	AutoRestart  bool

	LastTradeAt *time.Time
	LastTickAt  *time.Time
	StartedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StrategyControlLogEntry is one append-only control-action record.
type StrategyControlLogEntry struct {
	ID           string
	Strategy     string
	Action       ControlIntent
	Actor        string
	IPAddress    string
	FromStatus   StrategyStatus
	ToStatus     StrategyStatus
	AckedAt      *time.Time
	AckLatencyMS *int64
	Notes        string
	CreatedAt    time.Time
}

// CircuitBreakerState is one row per protected external service.
type CircuitBreakerState struct {
	ServiceName   string
	State         BreakerState
	FailureCount  int
	SuccessCount  int
	LastFailureAt *time.Time
	OpenedAt      *time.Time
	NextAttemptAt *time.Time
	UpdatedAt     time.Time
}

// FeedHeartbeat is one row per named market-data feed.
type FeedHeartbeat struct {
	FeedName    string
	LastTickAt  *time.Time
	SymbolCount int
	Connected   bool
	UpdatedAt   time.Time
}

// ReconciliationLog is one append-only row per reconciliation cycle.
type ReconciliationLog struct {
	ID           string
	RanAt        time.Time
	Status       ReconcileRunStatus
	CountChecked int
	Mismatches   []string
	Corrections  []string
	ErrorMessage string
	DurationMS   int64
}

// AuditLogEntry is one append-only audit record.
type AuditLogEntry struct {
	ID         string
	EventType  string
	EntityType string
	EntityID   string
	Actor      string
	IPAddress  string
	Payload    string
	CreatedAt  time.Time
}

// PnLRecord is one append-only realized/unrealized P&L ledger entry.
type PnLRecord struct {
	ID         string
	SessionID  string
	OrderID    string
	Symbol     string
	PnLType    string // REALIZED | UNREALIZED
	Amount     float64
	RecordedAt time.Time
}

// Tick is a single inbound market-data update.
type Tick struct {
	Symbol string
	LTP    float64
	TS     time.Time
	Volume *int64
	OI     *int64
}

// StrategyMetrics is the fixed keyset a strategy callback emits each tick.
type StrategyMetrics struct {
	Signal           Signal
	PnL              float64
	OpenQty          int64
	AvgEntry         float64
	LTP              float64
	NetDelta         float64
	DrawdownPct      float64
	RiskPct          float64
	DirectionBias    DirectionBias
	WinRate          float64
	TotalTrades      int
	TargetInstrument string // optional, e.g. a resolved ATM option leg
}
