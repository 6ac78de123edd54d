package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
)

func TestKellyFractionFallsBackBeforeMinTrades(t *testing.T) {
	s := NewPositionSizer(20, decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.0001))
	got := s.KellyFraction()
	want := decimal.NewFromFloat(0.02)
	if !got.Equal(want) {
		t.Errorf("KellyFraction() = %s, want %s", got, want)
	}
}

func TestKellyFractionClampsToMax(t *testing.T) {
	s := NewPositionSizer(2, decimal.NewFromFloat(0.1), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.0001))
	for i := 0; i < 10; i++ {
		s.RecordResult(domain.TradeResult{PnL: decimal.NewFromInt(100), IsWin: true})
	}
	s.RecordResult(domain.TradeResult{PnL: decimal.NewFromInt(-10), IsWin: false})

	got := s.KellyFraction()
	max := decimal.NewFromFloat(0.1)
	if got.GreaterThan(max) {
		t.Errorf("KellyFraction() = %s, exceeds configured max %s", got, max)
	}
}

func TestSizeBelowMinimumReturnsZero(t *testing.T) {
	s := NewPositionSizer(20, decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.5), decimal.NewFromFloat(1))
	size := s.Size(decimal.NewFromInt(100), decimal.NewFromInt(5000000))
	if !size.IsZero() {
		t.Errorf("Size() = %s, want zero (below min trade size)", size)
	}
}
