// Package domain holds the plain data types shared by the risk, execution,
// and orchestrator packages: signals coming in from the (external) strategy
// stack, the evaluation produced by the risk gate, and the position-lifecycle
// records the execution layer owns. Every numeric field is a
// shopspring/decimal.Decimal; float64 is never used for money or quantity.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action normalizes the various "no trade" spellings a strategy signal might
// use (nil, "", "hold", "none") into a single enum, per SPEC_FULL.md §9.
type Action int

const (
	ActionHold Action = iota
	ActionBuy
	ActionSell
)

// ParseAction normalizes a raw strategy action string into an Action.
func ParseAction(raw string) Action {
	switch raw {
	case "buy", "BUY", "Buy":
		return ActionBuy
	case "sell", "SELL", "Sell":
		return ActionSell
	default:
		return ActionHold
	}
}

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionSell:
		return "sell"
	default:
		return "hold"
	}
}

// Opposite returns the exit-side action for an entry action (buy's exit is a
// sell and vice versa). Calling it on ActionHold is a programmer error.
func (a Action) Opposite() Action {
	switch a {
	case ActionBuy:
		return ActionSell
	case ActionSell:
		return ActionBuy
	default:
		return ActionHold
	}
}

// Signal is produced externally by the strategy stack (out of scope).
type Signal struct {
	Action       Action
	Confidence   float64
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	StrategyName string
}

// Decision is the outcome of RiskEvaluator.EvaluateTradeOpportunity.
type Decision int

const (
	DecisionApproved Decision = iota
	DecisionDenied
	DecisionConditional
)

func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "APPROVED"
	case DecisionConditional:
		return "CONDITIONAL"
	default:
		return "DENIED"
	}
}

// MarketConditions is the closed-but-partially-open record spec.md §9 asks
// for in place of a dataclass with mutable nested dicts: named fields for
// everything the risk/execution layers consume, plus a documented free-form
// map for anything genuinely variable (regime-specific diagnostics).
type MarketConditions struct {
	ATRCurrent decimal.Decimal
	Regime     string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	SpreadPct  decimal.Decimal
	Extra      map[string]decimal.Decimal
}

// TradeEvaluation is immutable after creation; RiskEvaluator is the only
// writer.
type TradeEvaluation struct {
	Decision          Decision
	Side              Action
	RiskScore         float64
	PositionSize      decimal.Decimal
	StopLoss          decimal.Decimal
	TakeProfit        decimal.Decimal
	ConfidenceLevel   float64
	KellyRecommendation decimal.Decimal
	DrawdownStatus    TradingStatus
	Warnings          []string
	DenialReasons     []string
	MarketConditions  MarketConditions
	EntryPrice        decimal.Decimal
	EmergencyExit     bool
}

// VirtualPosition is the in-memory source of truth for a local position and
// its attached TP/SL order ids. Mutated only by exit detection or
// reconciliation, per spec.md §3.
type VirtualPosition struct {
	OrderID      string
	Side         Action
	Amount       decimal.Decimal
	EntryPrice   decimal.Decimal
	Timestamp    time.Time
	TakeProfit   decimal.Decimal
	StopLoss     decimal.Decimal
	TPOrderID    string
	SLOrderID    string
	SLPlacedAt   time.Time
	Restored     bool
	Recovered    bool
}

// HasTPSL reports whether both exits are attached (CORE-1).
func (p *VirtualPosition) HasTPSL() bool {
	return p.TPOrderID != "" && p.SLOrderID != ""
}

// TradingStatus is the DrawdownManager FSM state.
type TradingStatus int

const (
	StatusActive TradingStatus = iota
	StatusPausedDrawdown
	StatusPausedConsecutiveLoss
	StatusPausedManual
)

func (s TradingStatus) String() string {
	switch s {
	case StatusPausedDrawdown:
		return "paused_drawdown"
	case StatusPausedConsecutiveLoss:
		return "paused_consecutive_loss"
	case StatusPausedManual:
		return "paused_manual"
	default:
		return "active"
	}
}

// DrawdownSnapshot is appended on every balance update, capped to 1000
// entries, and persisted so restarts preserve the FSM (spec.md §3).
type DrawdownSnapshot struct {
	Timestamp         time.Time
	CurrentBalance    decimal.Decimal
	PeakBalance       decimal.Decimal
	DrawdownRatio     decimal.Decimal
	ConsecutiveLosses int
	TradingStatus     TradingStatus
}

// TradingSession is a [SUPPLEMENT] carried from original_source's
// drawdown_manager.py: purely descriptive bookkeeping, not part of any
// invariant.
type TradingSession struct {
	StartTime        time.Time
	EndTime          *time.Time
	Reason           string
	InitialBalance   decimal.Decimal
	FinalBalance     *decimal.Decimal
	TotalTrades      int
	ProfitableTrades int
}

// TradeResult is a [SUPPLEMENT] feeding PositionSizer's Kelly calculation.
type TradeResult struct {
	PnL        decimal.Decimal
	IsWin      bool
	Strategy   string
	Confidence float64
	Timestamp  time.Time
}

// PendingTPSLVerification is queued when an entry completes; consumed by the
// orchestrator once wall-clock >= VerifyAfter (spec.md §3/§4.6.6).
type PendingTPSLVerification struct {
	ScheduledAt       time.Time
	VerifyAfter       time.Time
	EntryOrderID      string
	Side              Action
	Amount            decimal.Decimal
	EntryPrice        decimal.Decimal
	ExpectedTPOrderID string // vestigial per spec.md §9 Open Questions; logging only
	ExpectedSLOrderID string // vestigial per spec.md §9 Open Questions; logging only
	Symbol            string
}

// OrphanSLRecord is persisted JSON; appended when an SL cancellation fails
// during exit, consumed by TPSLManager.SweepOrphans on the orchestrator's
// maintenance passes (spec.md §3).
type OrphanSLRecord struct {
	SLOrderID      string    `json:"sl_order_id"`
	PositionSide   string    `json:"position_side"`
	Amount         string    `json:"amount"`
	CreatedAt      time.Time `json:"created_at"`
}

// AlertLevel is the severity of an AnomalyDetector finding.
type AlertLevel int

const (
	AlertNormal AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "WARNING"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// Alert is one AnomalyDetector finding (spec.md §4.1).
type Alert struct {
	Timestamp        time.Time
	Kind             string
	Level            AlertLevel
	Value            decimal.Decimal
	Threshold        decimal.Decimal
	Message          string
	ShouldPauseTrading bool
}

// ExecutionStatus is the outcome of ExecutionService.ExecuteTrade.
type ExecutionStatus int

const (
	StatusFilled ExecutionStatus = iota
	StatusSubmitted
	StatusRejected
	StatusFailed
	StatusCancelled
)

func (s ExecutionStatus) String() string {
	switch s {
	case StatusFilled:
		return "FILLED"
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusRejected:
		return "REJECTED"
	case StatusFailed:
		return "FAILED"
	default:
		return "CANCELLED"
	}
}

// ExecutionResult is the result-variant spec.md §9 asks for in place of
// exception-driven control flow.
type ExecutionResult struct {
	Success bool
	Status  ExecutionStatus
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Fee     decimal.Decimal
	OrderID string
	Error   string
}

// Mode is the execution mode the orchestrator/ExecutionService run under.
type Mode int

const (
	ModeBacktest Mode = iota
	ModePaper
	ModeLive
)

// ParseMode normalizes a config string ("backtest"|"paper"|"live") into a
// Mode, defaulting to ModePaper for anything unrecognized so a bad config
// value fails safe rather than trading live by accident.
func ParseMode(raw string) Mode {
	switch raw {
	case "backtest":
		return ModeBacktest
	case "live":
		return ModeLive
	default:
		return ModePaper
	}
}

func (m Mode) String() string {
	switch m {
	case ModeBacktest:
		return "backtest"
	case ModeLive:
		return "live"
	default:
		return "paper"
	}
}
