// Package exchange defines the narrow exchange capability the trading
// engine depends on. The only implementation that ships is Bitbank's
// (internal/exchange/bitbank), but every consumer codes against this
// interface so a deterministic fake (internal/exchange/exchangetest) can
// stand in during tests.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the bid/ask/last snapshot for btc_jpy.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// OrderBookLevel is one price/amount pair on one side of the book.
type OrderBookLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderBook is the top-of-book snapshot used for spread and liquidity checks.
type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// Balance is one currency's free/locked funds.
type Balance struct {
	Currency string
	Free     decimal.Decimal
	Locked   decimal.Decimal
}

// MarginPosition is an open margin position on the account.
type MarginPosition struct {
	Symbol       string
	Side         string
	Amount       decimal.Decimal
	OpenPrice    decimal.Decimal
	Amount2      decimal.Decimal
}

// ActiveOrder is a currently open (unfilled or partially filled) order.
type ActiveOrder struct {
	OrderID        string
	Symbol         string
	Side           string
	Type           string
	Price          decimal.Decimal
	StartAmount    decimal.Decimal
	RemainingAmount decimal.Decimal
	Status         string
	CreatedAt      time.Time
}

// CreateOrderRequest places a new order, mirroring Bitbank's spot/margin
// order endpoint parameters.
type CreateOrderRequest struct {
	Symbol     string
	Side       string // "buy" | "sell"
	Type       string // "limit" | "market" | "stop"
	Price      decimal.Decimal
	Amount     decimal.Decimal
	TriggerPrice decimal.Decimal
	PostOnly   bool
	// IsClosingOrder marks an order submitted to flatten an existing
	// position (SL-breach market close, manual/emergency exit) rather than
	// open a new one, mirroring Bitbank's is_closing_order order parameter.
	IsClosingOrder bool
}

// OrderResult is the exchange's response to an order creation call.
type OrderResult struct {
	OrderID   string
	Status    string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	AvgPrice  decimal.Decimal
	Fee       decimal.Decimal
	CreatedAt time.Time
}

// CancelResult is the exchange's response to a cancel call.
type CancelResult struct {
	OrderID string
	Status  string
}

// Client is the exchange capability the trading engine depends on. It is
// intentionally narrower than the teacher's IExchange (no K-line streaming,
// no WebSocket subscriptions) because this bot polls REST on a fixed cycle
// rather than consuming a live market-data stream.
type Client interface {
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string) (OrderBook, error)
	FetchBalance(ctx context.Context) ([]Balance, error)
	FetchMarginPositions(ctx context.Context, symbol string) ([]MarginPosition, error)
	FetchActiveOrders(ctx context.Context, symbol string) ([]ActiveOrder, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (OrderResult, error)
	CreateTakeProfitOrder(ctx context.Context, symbol, side string, price, amount decimal.Decimal) (OrderResult, error)
	CreateStopLossOrder(ctx context.Context, symbol, side string, triggerPrice, amount decimal.Decimal) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error)
	GetQuantityDecimals(symbol string) int32
	GetPriceDecimals(symbol string) int32
}
