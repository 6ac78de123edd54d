// Package execution turns an approved TradeEvaluation into exchange orders:
// entry order strategy selection, atomic TP/SL placement with rollback, and
// startup position reconciliation.
package execution

import (
	"github.com/shopspring/decimal"

	"bitbank-trader/internal/config"
	"bitbank-trader/internal/domain"
)

// OrderPlan is the concrete order the decider wants placed for the entry
// leg: limit-with-maker-retry when confidence and spread allow it, market
// otherwise, grounded on the teacher's order/executor.go maker-then-fallback
// sequencing.
type OrderPlan struct {
	Type       string // "limit" | "market"
	LimitPrice decimal.Decimal
	UseMaker   bool
}

// OrderStrategyDecider picks limit vs market for the entry leg based on
// signal confidence and current spread, mirroring the teacher's smart-order
// logic of preferring maker fills when confidence is high and the spread is
// tight enough that the wait is worth the fee savings.
type OrderStrategyDecider struct {
	cfg config.OrderExecutionConfig
}

// NewOrderStrategyDecider builds a decider from the order-execution config.
func NewOrderStrategyDecider(cfg config.OrderExecutionConfig) *OrderStrategyDecider {
	return &OrderStrategyDecider{cfg: cfg}
}

// Decide returns the OrderPlan for entering eval.Side at the given top of
// book.
func (d *OrderStrategyDecider) Decide(eval domain.TradeEvaluation, bid, ask decimal.Decimal) OrderPlan {
	if !d.cfg.SmartOrderEnabled {
		return OrderPlan{Type: "market"}
	}

	spread := ask.Sub(bid)
	spreadRatio := decimal.Zero
	if !bid.IsZero() {
		spreadRatio = spread.Div(bid)
	}

	if spreadRatio.GreaterThan(decimal.NewFromFloat(d.cfg.MaxSpreadRatioForLimit)) {
		return OrderPlan{Type: "market"}
	}

	if eval.ConfidenceLevel <= d.cfg.LowConfidenceThreshold {
		return OrderPlan{Type: "market"}
	}

	if eval.ConfidenceLevel < d.cfg.HighConfidenceThreshold {
		return OrderPlan{Type: "market"}
	}

	improvement := decimal.NewFromFloat(d.cfg.PriceImprovementRatio)
	limitPrice := bid
	if eval.Side == domain.ActionBuy {
		limitPrice = bid.Add(bid.Mul(improvement))
	} else {
		limitPrice = ask.Sub(ask.Mul(improvement))
	}

	return OrderPlan{Type: "limit", LimitPrice: limitPrice, UseMaker: true}
}
