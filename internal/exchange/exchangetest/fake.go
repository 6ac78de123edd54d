// Package exchangetest provides a deterministic in-memory exchange.Client,
// grounded on the teacher's internal/mock.MockExchange map-based order book
// and clientOrderMap idempotency pattern, narrowed to the operations
// exchange.Client exposes.
package exchangetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/exchange"
)

// FakeClient is a single-pair, single-account fake exchange for tests.
type FakeClient struct {
	mu sync.Mutex

	Ticker    exchange.Ticker
	OrderBook exchange.OrderBook
	Balances  map[string]exchange.Balance
	Positions []exchange.MarginPosition

	orders      map[string]exchange.ActiveOrder
	orderSeq    int64
	CreateOrderErr error
	CancelOrderErr error

	// LastCreateOrderReq records the most recent CreateOrder request verbatim
	// so tests can assert on fields ActiveOrder doesn't carry (IsClosingOrder).
	LastCreateOrderReq exchange.CreateOrderRequest
}

// NewFakeClient builds a fake with a reasonable default btc_jpy snapshot.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Ticker: exchange.Ticker{Symbol: "btc_jpy", Last: decimal.NewFromInt(5000000), Bid: decimal.NewFromInt(4999500), Ask: decimal.NewFromInt(5000500), Timestamp: time.Now()},
		Balances: map[string]exchange.Balance{
			"jpy": {Currency: "jpy", Free: decimal.NewFromInt(1000000)},
			"btc": {Currency: "btc", Free: decimal.Zero},
		},
		orders: make(map[string]exchange.ActiveOrder),
	}
}

func (f *FakeClient) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Ticker, nil
}

func (f *FakeClient) FetchOrderBook(ctx context.Context, symbol string) (exchange.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.OrderBook, nil
}

func (f *FakeClient) FetchBalance(ctx context.Context) ([]exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.Balance, 0, len(f.Balances))
	for _, b := range f.Balances {
		out = append(out, b)
	}
	return out, nil
}

func (f *FakeClient) FetchMarginPositions(ctx context.Context, symbol string) ([]exchange.MarginPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Positions, nil
}

func (f *FakeClient) FetchActiveOrders(ctx context.Context, symbol string) ([]exchange.ActiveOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.ActiveOrder, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out, nil
}

func (f *FakeClient) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateOrderErr != nil {
		return exchange.OrderResult{}, f.CreateOrderErr
	}
	f.LastCreateOrderReq = req
	f.orderSeq++
	id := fmt.Sprintf("fake-%d", f.orderSeq)
	price := req.Price
	if price.IsZero() {
		price = f.Ticker.Last
	}
	order := exchange.ActiveOrder{
		OrderID: id, Symbol: req.Symbol, Side: req.Side, Type: req.Type,
		Price: price, StartAmount: req.Amount, RemainingAmount: req.Amount,
		Status: "unfilled", CreatedAt: time.Now(),
	}
	if req.Type == "market" {
		order.Status = "fully_filled"
		order.RemainingAmount = decimal.Zero
	}
	f.orders[id] = order
	return exchange.OrderResult{OrderID: id, Status: order.Status, Price: price, Amount: req.Amount, AvgPrice: price, CreatedAt: order.CreatedAt}, nil
}

func (f *FakeClient) CreateTakeProfitOrder(ctx context.Context, symbol, side string, price, amount decimal.Decimal) (exchange.OrderResult, error) {
	return f.CreateOrder(ctx, exchange.CreateOrderRequest{Symbol: symbol, Side: side, Type: "limit", Price: price, Amount: amount})
}

func (f *FakeClient) CreateStopLossOrder(ctx context.Context, symbol, side string, triggerPrice, amount decimal.Decimal) (exchange.OrderResult, error) {
	return f.CreateOrder(ctx, exchange.CreateOrderRequest{Symbol: symbol, Side: side, Type: "stop", TriggerPrice: triggerPrice, Amount: amount})
}

func (f *FakeClient) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelOrderErr != nil {
		return exchange.CancelResult{}, f.CancelOrderErr
	}
	if o, ok := f.orders[orderID]; ok {
		o.Status = "cancelled_unfilled"
		f.orders[orderID] = o
	}
	return exchange.CancelResult{OrderID: orderID, Status: "cancelled_unfilled"}, nil
}

func (f *FakeClient) GetQuantityDecimals(symbol string) int32 { return 4 }
func (f *FakeClient) GetPriceDecimals(symbol string) int32    { return 0 }
