// Package strategy holds the signal-generation seam the orchestrator calls
// each cycle. The actual ML/indicator-based decision model that picks
// buy/sell/hold is out of scope for this bot (spec.md §1 treats it as an
// external pluggable input); SpreadReversion is a minimal, always-available
// implementation so the orchestrator has something real to run against in
// paper/backtest mode rather than a stub that never trades.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/exchange"
)

// SpreadReversionConfig configures the placeholder strategy's thresholds.
type SpreadReversionConfig struct {
	MoveThreshold   decimal.Decimal
	DefaultConfidence float64
	WindowSize      int
}

// SpreadReversion buys into a drop and sells into a rally relative to a
// rolling mid-price average — deliberately simple, meant to be replaced by
// a real model without changing the orchestrator.Cycle seam it satisfies.
type SpreadReversion struct {
	cfg    SpreadReversionConfig
	window []decimal.Decimal
}

// NewSpreadReversion builds the placeholder strategy.
func NewSpreadReversion(cfg SpreadReversionConfig) *SpreadReversion {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.DefaultConfidence <= 0 {
		cfg.DefaultConfidence = 0.5
	}
	return &SpreadReversion{cfg: cfg}
}

// Signal implements orchestrator.StrategySignaler.
func (s *SpreadReversion) Signal(ctx context.Context, ticker exchange.Ticker, book exchange.OrderBook) (domain.Signal, error) {
	mid := ticker.Bid.Add(ticker.Ask).Div(decimal.NewFromInt(2))
	s.window = append(s.window, mid)
	if len(s.window) > s.cfg.WindowSize {
		s.window = s.window[len(s.window)-s.cfg.WindowSize:]
	}

	if len(s.window) < s.cfg.WindowSize {
		return domain.Signal{Action: domain.ActionHold}, nil
	}

	avg := decimal.Zero
	for _, p := range s.window {
		avg = avg.Add(p)
	}
	avg = avg.Div(decimal.NewFromInt(int64(len(s.window))))

	move := mid.Sub(avg).Div(avg)

	switch {
	case move.LessThan(s.cfg.MoveThreshold.Neg()):
		return domain.Signal{Action: domain.ActionBuy, Confidence: s.cfg.DefaultConfidence, StrategyName: "spread_reversion"}, nil
	case move.GreaterThan(s.cfg.MoveThreshold):
		return domain.Signal{Action: domain.ActionSell, Confidence: s.cfg.DefaultConfidence, StrategyName: "spread_reversion"}, nil
	default:
		return domain.Signal{Action: domain.ActionHold}, nil
	}
}
