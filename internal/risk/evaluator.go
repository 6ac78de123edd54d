package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/logging"
)

// EvaluatorConfig holds the threshold set RiskEvaluator applies, mirroring
// the teacher's CircuitConfig grouping of independent limits into one
// constructor argument. MaxDrawdownRatio/ConsecutiveLossLimit double as the
// normalizing divisors in the weighted risk_score formula (spec.md §4.4 step
// 5), not just as DrawdownManager's own trip thresholds.
type EvaluatorConfig struct {
	RiskThresholdDeny        float64
	RiskThresholdConditional float64
	MinMLConfidence          float64
	MaxDrawdownRatio         float64
	ConsecutiveLossLimit     int
}

// RiskEvaluator is the single entry point the orchestrator calls once per
// signal: it combines drawdown status, anomaly state and position sizing
// into one TradeEvaluation, denying or approving the trade.
type RiskEvaluator struct {
	drawdown *DrawdownManager
	anomaly  *AnomalyDetector
	sizer    *PositionSizer
	config   EvaluatorConfig
	logger   logging.ILogger
}

// NewRiskEvaluator wires the three sub-components together.
func NewRiskEvaluator(drawdown *DrawdownManager, anomaly *AnomalyDetector, sizer *PositionSizer, config EvaluatorConfig, logger logging.ILogger) *RiskEvaluator {
	return &RiskEvaluator{
		drawdown: drawdown,
		anomaly:  anomaly,
		sizer:    sizer,
		config:   config,
		logger:   logger.WithField("component", "risk_evaluator"),
	}
}

// Evaluate turns a strategy Signal plus current market/account state into a
// TradeEvaluation. Denial reasons are accumulated rather than short-circuited
// so a single log line can explain every reason a trade was denied.
func (e *RiskEvaluator) Evaluate(signal domain.Signal, mc domain.MarketConditions, equity decimal.Decimal, requestLatency time.Duration) domain.TradeEvaluation {
	eval := domain.TradeEvaluation{
		Side:             signal.Action,
		ConfidenceLevel:  signal.Confidence,
		MarketConditions: mc,
		EntryPrice:       mc.Ask,
	}
	if signal.Action == domain.ActionSell {
		eval.EntryPrice = mc.Bid
	}

	snapshot := e.drawdown.Evaluate(equity)
	eval.DrawdownStatus = snapshot.TradingStatus
	if snapshot.TradingStatus == domain.StatusPausedDrawdown {
		eval.DenialReasons = append(eval.DenialReasons, fmt.Sprintf("ドローダウン制限: trading paused, drawdown ratio %s", snapshot.DrawdownRatio.String()))
	} else if snapshot.TradingStatus != domain.StatusActive {
		eval.DenialReasons = append(eval.DenialReasons, "trading paused: "+snapshot.TradingStatus.String())
	}

	alert := e.anomaly.Check(mc, requestLatency)
	if alert.Level == domain.AlertCritical {
		eval.DenialReasons = append(eval.DenialReasons, "market anomaly: "+alert.Message)
		eval.EmergencyExit = alert.ShouldPauseTrading
	} else if alert.Level == domain.AlertWarning {
		eval.Warnings = append(eval.Warnings, alert.Message)
	}

	if signal.Confidence < e.config.MinMLConfidence {
		eval.DenialReasons = append(eval.DenialReasons, "confidence below minimum threshold")
	}

	eval.RiskScore = e.weightedRiskScore(signal.Confidence, anomalyScore(alert.Level), snapshot, mc)
	switch {
	case eval.RiskScore >= e.config.RiskThresholdDeny:
		eval.DenialReasons = append(eval.DenialReasons, "risk score exceeds deny threshold")
	case eval.RiskScore >= e.config.RiskThresholdConditional:
		eval.Warnings = append(eval.Warnings, "risk score exceeds conditional threshold")
	}

	eval.KellyRecommendation = e.sizer.KellyFraction()
	eval.PositionSize = e.sizer.Size(equity, eval.EntryPrice)
	if eval.PositionSize.IsZero() {
		eval.DenialReasons = append(eval.DenialReasons, "computed position size below minimum trade size")
	}

	eval.StopLoss = signal.StopLoss
	eval.TakeProfit = signal.TakeProfit

	switch {
	case len(eval.DenialReasons) > 0:
		eval.Decision = domain.DecisionDenied
	case len(eval.Warnings) > 0:
		eval.Decision = domain.DecisionConditional
	default:
		eval.Decision = domain.DecisionApproved
	}

	e.logger.Debug("trade evaluated",
		"decision", eval.Decision.String(),
		"side", eval.Side.String(),
		"risk_score", eval.RiskScore,
		"position_size", eval.PositionSize.String(),
		"denial_reasons", eval.DenialReasons,
	)

	return eval
}

// weightedRiskScore combines ML confidence, market anomaly, drawdown, losing
// streak, and volatility into one clamped [0,1] figure (spec.md §4.4 step 5).
// anomalyScore maps AnomalyDetector's discrete Level onto a continuous input
// since the detector itself has no numeric score; volatility has no
// dedicated field on MarketConditions, so SpreadPct stands in as the nearest
// available proxy for "how unsettled is the market right now".
func (e *RiskEvaluator) weightedRiskScore(confidence, anomaly float64, snapshot domain.DrawdownSnapshot, mc domain.MarketConditions) float64 {
	maxDrawdown := e.config.MaxDrawdownRatio
	if maxDrawdown <= 0 {
		maxDrawdown = 0.20
	}
	lossLimit := e.config.ConsecutiveLossLimit
	if lossLimit <= 0 {
		lossLimit = 5
	}

	drawdownRatio, _ := snapshot.DrawdownRatio.Float64()
	drawdownTerm := drawdownRatio / maxDrawdown
	if drawdownTerm > 1 {
		drawdownTerm = 1
	}

	lossTerm := float64(snapshot.ConsecutiveLosses) / float64(lossLimit)
	if lossTerm > 1 {
		lossTerm = 1
	}

	vol, _ := mc.SpreadPct.Float64()
	volTerm := vol / 0.05
	if volTerm > 1 {
		volTerm = 1
	}

	score := 0.30*(1.0-confidence) + 0.25*anomaly + 0.25*drawdownTerm + 0.10*lossTerm + 0.10*volTerm
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// anomalyScore maps AnomalyDetector's discrete AlertLevel onto the continuous
// anomaly_score term the weighted risk formula expects.
func anomalyScore(level domain.AlertLevel) float64 {
	switch level {
	case domain.AlertCritical:
		return 1.0
	case domain.AlertWarning:
		return 0.5
	default:
		return 0.0
	}
}
