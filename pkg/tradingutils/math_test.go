package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundPriceRoundsToDecimals(t *testing.T) {
	got := RoundPrice(decimal.NewFromFloat(5000000.7), 0)
	want := decimal.NewFromInt(5000001)
	if !got.Equal(want) {
		t.Errorf("RoundPrice = %s, want %s", got, want)
	}
}

func TestRoundQuantityRoundsToDecimals(t *testing.T) {
	got := RoundQuantity(decimal.NewFromFloat(0.123456), 4)
	want := decimal.NewFromFloat(0.1235)
	if !got.Equal(want) {
		t.Errorf("RoundQuantity = %s, want %s", got, want)
	}
}

func TestCalculateNetProfitDeductsBothLegs(t *testing.T) {
	buy := decimal.NewFromInt(5000000)
	sell := decimal.NewFromInt(5100000)
	amount := decimal.NewFromFloat(0.01)
	takerFee := decimal.NewFromFloat(0.0012)

	got := CalculateNetProfit(buy, sell, amount, takerFee, takerFee)

	gross := sell.Sub(buy).Mul(amount)
	fees := buy.Mul(amount).Mul(takerFee).Add(sell.Mul(amount).Mul(takerFee))
	want := gross.Sub(fees)

	if !got.Equal(want) {
		t.Errorf("CalculateNetProfit = %s, want %s", got, want)
	}
}

func TestCalculateNetProfitNegativeFeeIsRebate(t *testing.T) {
	buy := decimal.NewFromInt(5000000)
	sell := decimal.NewFromInt(5000000)
	amount := decimal.NewFromFloat(0.01)
	makerFee := decimal.NewFromFloat(-0.0002)

	got := CalculateNetProfit(buy, sell, amount, makerFee, makerFee)
	if !got.IsPositive() {
		t.Errorf("expected a maker rebate to produce positive PnL on a flat round trip, got %s", got)
	}
}
