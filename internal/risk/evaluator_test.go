package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
)

func newTestEvaluator(t *testing.T) *RiskEvaluator {
	t.Helper()
	dm, err := NewDrawdownManager(t.TempDir(), decimal.NewFromFloat(0.2), 5, time.Hour, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewDrawdownManager: %v", err)
	}
	anomaly := NewAnomalyDetector(decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.1), time.Second, 10)
	sizer := NewPositionSizer(20, decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.0001))
	return NewRiskEvaluator(dm, anomaly, sizer, EvaluatorConfig{
		RiskThresholdDeny:        0.8,
		RiskThresholdConditional: 0.6,
		MinMLConfidence:          0.3,
	}, newTestLogger(t))
}

func TestEvaluateApprovesHighConfidenceSignal(t *testing.T) {
	e := newTestEvaluator(t)
	signal := domain.Signal{Action: domain.ActionBuy, Confidence: 0.9}
	mc := domain.MarketConditions{Bid: decimal.NewFromInt(5000000), Ask: decimal.NewFromInt(5000100)}

	eval := e.Evaluate(signal, mc, decimal.NewFromInt(1000000), 0)

	if eval.Decision != domain.DecisionApproved {
		t.Errorf("Decision = %v, want APPROVED; reasons: %v", eval.Decision, eval.DenialReasons)
	}
}

func TestEvaluateDeniesLowConfidenceSignal(t *testing.T) {
	e := newTestEvaluator(t)
	signal := domain.Signal{Action: domain.ActionBuy, Confidence: 0.1}
	mc := domain.MarketConditions{Bid: decimal.NewFromInt(5000000), Ask: decimal.NewFromInt(5000100)}

	eval := e.Evaluate(signal, mc, decimal.NewFromInt(1000000), 0)

	if eval.Decision != domain.DecisionDenied {
		t.Errorf("Decision = %v, want DENIED", eval.Decision)
	}
}

func TestEvaluateDeniesWhenTradingPaused(t *testing.T) {
	e := newTestEvaluator(t)
	if err := e.drawdown.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	signal := domain.Signal{Action: domain.ActionBuy, Confidence: 0.9}
	mc := domain.MarketConditions{Bid: decimal.NewFromInt(5000000), Ask: decimal.NewFromInt(5000100)}
	eval := e.Evaluate(signal, mc, decimal.NewFromInt(1000000), 0)

	if eval.Decision != domain.DecisionDenied {
		t.Errorf("Decision = %v, want DENIED while paused", eval.Decision)
	}
}
