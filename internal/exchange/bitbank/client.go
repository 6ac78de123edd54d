package bitbank

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/config"
	apperrors "bitbank-trader/pkg/errors"

	"bitbank-trader/internal/exchange"
	"bitbank-trader/internal/telemetry"
	"bitbank-trader/pkg/tradingutils"
)

const defaultBaseURL = "https://api.bitbank.cc"

// quantityDecimals and priceDecimals are Bitbank's published precision for
// btc_jpy; a real deployment would fetch /spot/pairs, but the bot only ever
// trades this one pair (spec.md §1's scope).
var quantityDecimals = map[string]int32{"btc_jpy": 4}
var priceDecimals = map[string]int32{"btc_jpy": 0}

// Client implements exchange.Client against the live Bitbank REST API.
type Client struct {
	http *httpClient
}

// NewClient builds a Bitbank client from exchange credentials and a base
// URL override (tests point this at an httptest.Server).
func NewClient(cfg config.ExchangeConfig, tel *telemetry.Telemetry) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	signer := newHMACSigner(cfg.APIKey, cfg.SecretKey)
	hc, err := newHTTPClient(baseURL, 10*time.Second, signer, tel)
	if err != nil {
		return nil, fmt.Errorf("build bitbank http client: %w", err)
	}
	return &Client{http: hc}, nil
}

// envelope is Bitbank's {success, data} response wrapper.
type envelope struct {
	Success int             `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type bitbankError struct {
	Data struct {
		Code int `json:"code"`
	} `json:"data"`
}

func parseEnvelope(raw []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Success != 1 {
		var errResp bitbankError
		if err := json.Unmarshal(raw, &errResp); err == nil {
			return apperrors.BitbankCodeToError(errResp.Data.Code)
		}
		return apperrors.ErrExchangeTransient
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	return nil
}

func (c *Client) GetQuantityDecimals(symbol string) int32 {
	if d, ok := quantityDecimals[symbol]; ok {
		return d
	}
	return 4
}

func (c *Client) GetPriceDecimals(symbol string) int32 {
	if d, ok := priceDecimals[symbol]; ok {
		return d
	}
	return 0
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	raw, err := c.http.get(ctx, "/"+symbol+"/ticker", nil, false)
	if err != nil {
		return exchange.Ticker{}, err
	}
	var data struct {
		Sell      string `json:"sell"`
		Buy       string `json:"buy"`
		Last      string `json:"last"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := parseEnvelope(raw, &data); err != nil {
		return exchange.Ticker{}, err
	}
	ask, _ := decimal.NewFromString(data.Sell)
	bid, _ := decimal.NewFromString(data.Buy)
	last, _ := decimal.NewFromString(data.Last)
	return exchange.Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.UnixMilli(data.Timestamp),
	}, nil
}

func (c *Client) FetchOrderBook(ctx context.Context, symbol string) (exchange.OrderBook, error) {
	raw, err := c.http.get(ctx, "/"+symbol+"/depth", nil, false)
	if err != nil {
		return exchange.OrderBook{}, err
	}
	var data struct {
		Bids      [][2]string `json:"bids"`
		Asks      [][2]string `json:"asks"`
		Timestamp int64       `json:"timestamp"`
	}
	if err := parseEnvelope(raw, &data); err != nil {
		return exchange.OrderBook{}, err
	}
	return exchange.OrderBook{
		Symbol:    symbol,
		Bids:      toLevels(data.Bids),
		Asks:      toLevels(data.Asks),
		Timestamp: time.UnixMilli(data.Timestamp),
	}, nil
}

func toLevels(raw [][2]string) []exchange.OrderBookLevel {
	levels := make([]exchange.OrderBookLevel, 0, len(raw))
	for _, pair := range raw {
		price, _ := decimal.NewFromString(pair[0])
		amount, _ := decimal.NewFromString(pair[1])
		levels = append(levels, exchange.OrderBookLevel{Price: price, Amount: amount})
	}
	return levels
}

func (c *Client) FetchBalance(ctx context.Context) ([]exchange.Balance, error) {
	raw, err := c.http.get(ctx, "/user/assets", nil, true)
	if err != nil {
		return nil, err
	}
	var data struct {
		Assets []struct {
			Asset       string `json:"asset"`
			FreeAmount  string `json:"free_amount"`
			OnholdAmount string `json:"onhold_amount"`
		} `json:"assets"`
	}
	if err := parseEnvelope(raw, &data); err != nil {
		return nil, err
	}
	out := make([]exchange.Balance, 0, len(data.Assets))
	for _, a := range data.Assets {
		free, _ := decimal.NewFromString(a.FreeAmount)
		locked, _ := decimal.NewFromString(a.OnholdAmount)
		out = append(out, exchange.Balance{Currency: a.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (c *Client) FetchMarginPositions(ctx context.Context, symbol string) ([]exchange.MarginPosition, error) {
	raw, err := c.http.get(ctx, "/user/margin/positions", map[string]string{"pair": symbol}, true)
	if err != nil {
		return nil, err
	}
	var data struct {
		Positions []struct {
			Pair       string `json:"pair"`
			PositionSide string `json:"position_side"`
			OpenAmount string `json:"open_amount"`
			OpenPrice  string `json:"open_price"`
		} `json:"positions"`
	}
	if err := parseEnvelope(raw, &data); err != nil {
		return nil, err
	}
	out := make([]exchange.MarginPosition, 0, len(data.Positions))
	for _, p := range data.Positions {
		amount, _ := decimal.NewFromString(p.OpenAmount)
		price, _ := decimal.NewFromString(p.OpenPrice)
		out = append(out, exchange.MarginPosition{Symbol: p.Pair, Side: p.PositionSide, Amount: amount, OpenPrice: price})
	}
	return out, nil
}

func (c *Client) FetchActiveOrders(ctx context.Context, symbol string) ([]exchange.ActiveOrder, error) {
	raw, err := c.http.get(ctx, "/user/spot/active_orders", map[string]string{"pair": symbol}, true)
	if err != nil {
		return nil, err
	}
	var data struct {
		Orders []struct {
			OrderID        int64  `json:"order_id"`
			Pair           string `json:"pair"`
			Side           string `json:"side"`
			Type           string `json:"type"`
			StartAmount    string `json:"start_amount"`
			RemainingAmount string `json:"remaining_amount"`
			Price          string `json:"price"`
			Status         string `json:"status"`
			OrderedAt      int64  `json:"ordered_at"`
		} `json:"orders"`
	}
	if err := parseEnvelope(raw, &data); err != nil {
		return nil, err
	}
	out := make([]exchange.ActiveOrder, 0, len(data.Orders))
	for _, o := range data.Orders {
		price, _ := decimal.NewFromString(o.Price)
		start, _ := decimal.NewFromString(o.StartAmount)
		remaining, _ := decimal.NewFromString(o.RemainingAmount)
		out = append(out, exchange.ActiveOrder{
			OrderID: fmt.Sprintf("%d", o.OrderID), Symbol: o.Pair, Side: o.Side, Type: o.Type,
			Price: price, StartAmount: start, RemainingAmount: remaining, Status: o.Status,
			CreatedAt: time.UnixMilli(o.OrderedAt),
		})
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.OrderResult, error) {
	amount := tradingutils.RoundQuantity(req.Amount, c.GetQuantityDecimals(req.Symbol))
	body := map[string]interface{}{
		"pair":   req.Symbol,
		"amount": amount.String(),
		"side":   req.Side,
		"type":   req.Type,
	}
	if req.Type == "limit" || req.Type == "stop_limit" {
		body["price"] = tradingutils.RoundPrice(req.Price, c.GetPriceDecimals(req.Symbol)).String()
	}
	if !req.TriggerPrice.IsZero() {
		body["trigger_price"] = tradingutils.RoundPrice(req.TriggerPrice, c.GetPriceDecimals(req.Symbol)).String()
	}
	if req.PostOnly {
		body["post_only"] = true
	}
	if req.IsClosingOrder {
		body["is_closing_order"] = true
	}
	return c.postOrder(ctx, "/user/spot/order", body)
}

func (c *Client) CreateTakeProfitOrder(ctx context.Context, symbol, side string, price, amount decimal.Decimal) (exchange.OrderResult, error) {
	return c.CreateOrder(ctx, exchange.CreateOrderRequest{Symbol: symbol, Side: side, Type: "limit", Price: price, Amount: amount})
}

func (c *Client) CreateStopLossOrder(ctx context.Context, symbol, side string, triggerPrice, amount decimal.Decimal) (exchange.OrderResult, error) {
	return c.CreateOrder(ctx, exchange.CreateOrderRequest{Symbol: symbol, Side: side, Type: "stop", TriggerPrice: triggerPrice, Amount: amount})
}

func (c *Client) postOrder(ctx context.Context, path string, body map[string]interface{}) (exchange.OrderResult, error) {
	raw, err := c.http.post(ctx, path, body)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	var data struct {
		OrderID     int64  `json:"order_id"`
		Pair        string `json:"pair"`
		Side        string `json:"side"`
		Price       string `json:"price"`
		StartAmount string `json:"start_amount"`
		ExecutedAmount string `json:"executed_amount"`
		AveragePrice string `json:"average_price"`
		Status      string `json:"status"`
		OrderedAt   int64  `json:"ordered_at"`
	}
	if err := parseEnvelope(raw, &data); err != nil {
		return exchange.OrderResult{}, err
	}
	amount, _ := decimal.NewFromString(data.StartAmount)
	price, _ := decimal.NewFromString(data.Price)
	avgPrice, _ := decimal.NewFromString(data.AveragePrice)
	return exchange.OrderResult{
		OrderID: fmt.Sprintf("%d", data.OrderID), Status: data.Status,
		Price: price, Amount: amount, AvgPrice: avgPrice,
		CreatedAt: time.UnixMilli(data.OrderedAt),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelResult, error) {
	raw, err := c.http.post(ctx, "/user/spot/cancel_order", map[string]interface{}{"pair": symbol, "order_id": orderID})
	if err != nil {
		return exchange.CancelResult{}, err
	}
	var data struct {
		OrderID int64  `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := parseEnvelope(raw, &data); err != nil {
		return exchange.CancelResult{}, err
	}
	return exchange.CancelResult{OrderID: fmt.Sprintf("%d", data.OrderID), Status: data.Status}, nil
}
