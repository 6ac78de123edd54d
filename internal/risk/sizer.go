package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
)

// PositionSizer derives trade size from a capped Kelly fraction over a
// rolling trade-result history, grounded on the teacher's ATR-scaled sizing
// idiom in pkg/tradingutils/math.go (CalculatePriceLevels) but driven by
// win-rate/payoff statistics instead of order-book depth.
type PositionSizer struct {
	mu sync.Mutex

	minTradesForKelly int
	maxPositionRatio  decimal.Decimal
	kellySafetyFactor decimal.Decimal
	minTradeSize      decimal.Decimal

	history []domain.TradeResult
}

// NewPositionSizer builds a sizer with the given risk limits.
func NewPositionSizer(minTradesForKelly int, maxPositionRatio, kellySafetyFactor, minTradeSize decimal.Decimal) *PositionSizer {
	return &PositionSizer{
		minTradesForKelly: minTradesForKelly,
		maxPositionRatio:  maxPositionRatio,
		kellySafetyFactor: kellySafetyFactor,
		minTradeSize:      minTradeSize,
	}
}

// Seed loads a trade-result history recovered from durable storage (the
// sqlite-backed TradeHistoryStore) so the Kelly estimate survives a restart
// instead of resetting to the conservative fixed fraction. Newest-last, same
// ordering as RecordResult; truncated the same way.
func (s *PositionSizer) Seed(history []domain.TradeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]domain.TradeResult(nil), history...)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
}

// RecordResult appends a closed trade to the rolling history used for the
// Kelly estimate.
func (s *PositionSizer) RecordResult(result domain.TradeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, result)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
}

// KellyFraction returns the half-Kelly-by-default fraction of equity to risk,
// clamped to [0, maxPositionRatio]. Falls back to a conservative fixed
// fraction until minTradesForKelly results have accumulated.
func (s *PositionSizer) KellyFraction() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) < s.minTradesForKelly {
		return decimal.NewFromFloat(0.02)
	}

	wins := 0
	var grossWin, grossLoss decimal.Decimal
	for _, r := range s.history {
		if r.IsWin {
			wins++
			grossWin = grossWin.Add(r.PnL)
		} else {
			grossLoss = grossLoss.Add(r.PnL.Abs())
		}
	}

	n := decimal.NewFromInt(int64(len(s.history)))
	winRate := decimal.NewFromInt(int64(wins)).Div(n)
	lossRate := decimal.NewFromInt(1).Sub(winRate)

	if wins == 0 || wins == len(s.history) || grossLoss.IsZero() {
		return decimal.NewFromFloat(0.02)
	}

	avgWin := grossWin.Div(decimal.NewFromInt(int64(wins)))
	avgLoss := grossLoss.Div(decimal.NewFromInt(int64(len(s.history) - wins)))
	if avgLoss.IsZero() {
		return decimal.NewFromFloat(0.02)
	}

	payoffRatio := avgWin.Div(avgLoss)
	// Kelly fraction f* = W - (1-W)/R
	kelly := winRate.Sub(lossRate.Div(payoffRatio))
	kelly = kelly.Mul(s.kellySafetyFactor)

	if kelly.IsNegative() {
		return decimal.Zero
	}
	if kelly.GreaterThan(s.maxPositionRatio) {
		return s.maxPositionRatio
	}
	return kelly
}

// Size computes the position amount (in base currency) from equity, the
// Kelly fraction and the current price, floored at minTradeSize.
func (s *PositionSizer) Size(equity, price decimal.Decimal) decimal.Decimal {
	fraction := s.KellyFraction()
	notional := equity.Mul(fraction)
	if price.IsZero() {
		return decimal.Zero
	}
	amount := notional.Div(price)
	if amount.LessThan(s.minTradeSize) {
		return decimal.Zero
	}
	return amount
}
