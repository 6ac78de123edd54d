package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the exchange's published price-decimals for a
// symbol (BitbankClient.GetPriceDecimals).
func RoundPrice(price decimal.Decimal, priceDecimals int32) decimal.Decimal {
	return price.Round(priceDecimals)
}

// RoundQuantity rounds an order amount to the exchange's published
// quantity-decimals for a symbol (BitbankClient.GetQuantityDecimals).
func RoundQuantity(qty decimal.Decimal, qtyDecimals int32) decimal.Decimal {
	return qty.Round(qtyDecimals)
}

// CalculateNetProfit computes profit after trading fees on both legs of a
// round trip.
func CalculateNetProfit(buyPrice, sellPrice, amount, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	gross := sellPrice.Sub(buyPrice).Mul(amount)
	buyFee := buyPrice.Mul(amount).Mul(buyFeeRate)
	sellFee := sellPrice.Mul(amount).Mul(sellFeeRate)
	return gross.Sub(buyFee).Sub(sellFee)
}
