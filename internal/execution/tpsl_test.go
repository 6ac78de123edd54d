package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/config"
	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/exchange"
	"bitbank-trader/internal/exchange/exchangetest"
	"bitbank-trader/internal/logging"
	"bitbank-trader/internal/persistence"
	"bitbank-trader/internal/position"
	"bitbank-trader/internal/telemetry"
)

func testLogger(t *testing.T) logging.ILogger {
	t.Helper()
	l, err := logging.NewZapLogger("ERROR")
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	return l
}

func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	m, err := telemetry.NewMetrics((&telemetry.Telemetry{}).Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestTPSLManager(t *testing.T, client exchange.Client, tpEnabled, slEnabled bool) *TPSLManager {
	t.Helper()
	orphan, err := persistence.NewOrphanSLLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewOrphanSLLog: %v", err)
	}
	tpCfg := config.TakeProfitConfig{Enabled: tpEnabled, DefaultRatio: 0.02}
	slCfg := config.StopLossConfig{Enabled: slEnabled, MaxLossRatio: 0.01, SlippageBuffer: 0.001}
	tpsl := config.TPSLConfig{VerificationDelaySeconds: 30, MaxOrderAgeHours: 24}
	return NewTPSLManager(client, orphan, testMetrics(t), tpCfg, slCfg, tpsl, testLogger(t))
}

// failAfterNCreates wraps a FakeClient so the Nth (1-indexed) call to
// CreateOrder fails, together with the failCount-1 calls after it when
// failCount > 1, letting tests target a specific leg (entry, TP, SL) and
// exhaust that leg's retries without FakeClient needing a richer
// failure-injection API.
type failAfterNCreates struct {
	*exchangetest.FakeClient
	failOn    int
	failCount int
	calls     int
}

func (f *failAfterNCreates) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.OrderResult, error) {
	f.calls++
	if f.calls >= f.failOn && f.calls < f.failOn+max(f.failCount, 1) {
		return exchange.OrderResult{}, errors.New("injected failure")
	}
	return f.FakeClient.CreateOrder(ctx, req)
}

func (f *failAfterNCreates) CreateTakeProfitOrder(ctx context.Context, symbol, side string, price, amount decimal.Decimal) (exchange.OrderResult, error) {
	return f.CreateOrder(ctx, exchange.CreateOrderRequest{Symbol: symbol, Side: side, Type: "limit", Price: price, Amount: amount})
}

func (f *failAfterNCreates) CreateStopLossOrder(ctx context.Context, symbol, side string, triggerPrice, amount decimal.Decimal) (exchange.OrderResult, error) {
	return f.CreateOrder(ctx, exchange.CreateOrderRequest{Symbol: symbol, Side: side, Type: "stop", TriggerPrice: triggerPrice, Amount: amount})
}

func TestRunAtomicEntrySucceedsWithTPAndSL(t *testing.T) {
	client := exchangetest.NewFakeClient()
	mgr := newTestTPSLManager(t, client, true, true)

	eval := domain.TradeEvaluation{Side: domain.ActionBuy, PositionSize: decimal.NewFromFloat(0.01), EntryPrice: decimal.NewFromInt(5000000)}
	plan := OrderPlan{Type: "market"}

	result, pos, err := mgr.RunAtomicEntry(context.Background(), "btc_jpy", eval, plan)
	if err != nil {
		t.Fatalf("RunAtomicEntry: %v", err)
	}
	if !result.Success || result.Status != domain.StatusFilled {
		t.Fatalf("result = %+v, want success/filled", result)
	}
	if !pos.HasTPSL() {
		t.Errorf("pos = %+v, want both TP and SL order ids set", pos)
	}
}

func TestRunAtomicEntryRollsBackOnTakeProfitFailure(t *testing.T) {
	// call 1 = entry order, calls 2-4 = TP leg and its two retries (all fail),
	// call 5 = rollback market order
	client := &failAfterNCreates{FakeClient: exchangetest.NewFakeClient(), failOn: 2, failCount: 3}
	mgr := newTestTPSLManager(t, client, true, true)

	eval := domain.TradeEvaluation{Side: domain.ActionBuy, PositionSize: decimal.NewFromFloat(0.01), EntryPrice: decimal.NewFromInt(5000000)}
	plan := OrderPlan{Type: "market"}

	result, _, err := mgr.RunAtomicEntry(context.Background(), "btc_jpy", eval, plan)
	if err == nil {
		t.Fatal("expected an error when take-profit placement fails")
	}
	if result.Success || result.Status != domain.StatusFailed {
		t.Errorf("result = %+v, want failed", result)
	}
	if client.calls < 3 {
		t.Errorf("calls = %d, want at least 3 (entry, failed TP, rollback)", client.calls)
	}
}

func TestRunAtomicEntryCancelsTPAndRollsBackOnStopLossFailure(t *testing.T) {
	// call 1 = entry, call 2 = TP (ok), calls 3-5 = SL and its two retries
	// (all fail), call 6 = rollback
	client := &failAfterNCreates{FakeClient: exchangetest.NewFakeClient(), failOn: 3, failCount: 3}
	mgr := newTestTPSLManager(t, client, true, true)

	eval := domain.TradeEvaluation{Side: domain.ActionSell, PositionSize: decimal.NewFromFloat(0.01), EntryPrice: decimal.NewFromInt(5000000)}
	plan := OrderPlan{Type: "market"}

	result, _, err := mgr.RunAtomicEntry(context.Background(), "btc_jpy", eval, plan)
	if err == nil {
		t.Fatal("expected an error when stop-loss placement fails")
	}
	if result.Success {
		t.Errorf("result = %+v, want failed", result)
	}
	if client.calls < 4 {
		t.Errorf("calls = %d, want at least 4 (entry, TP, failed SL, rollback)", client.calls)
	}
}

func TestRunAtomicEntrySkipsTPSLWhenBothDisabled(t *testing.T) {
	client := exchangetest.NewFakeClient()
	mgr := newTestTPSLManager(t, client, false, false)

	eval := domain.TradeEvaluation{Side: domain.ActionSell, PositionSize: decimal.NewFromFloat(0.01), EntryPrice: decimal.NewFromInt(5000000)}
	plan := OrderPlan{Type: "market"}

	result, pos, err := mgr.RunAtomicEntry(context.Background(), "btc_jpy", eval, plan)
	if err != nil {
		t.Fatalf("RunAtomicEntry: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if pos.HasTPSL() {
		t.Errorf("pos = %+v, want no TP/SL legs when both disabled", pos)
	}
}

func TestCancelStaleOrdersCancelsOldOrders(t *testing.T) {
	client := exchangetest.NewFakeClient()
	mgr := newTestTPSLManager(t, client, false, false)
	tracker := position.NewTracker()

	placed, err := client.CreateOrder(context.Background(), exchange.CreateOrderRequest{Symbol: "btc_jpy", Side: "buy", Type: "limit", Price: decimal.NewFromInt(4900000), Amount: decimal.NewFromFloat(0.01)})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	old := exchange.ActiveOrder{OrderID: placed.OrderID, Type: "limit", Side: "buy", CreatedAt: time.Now().Add(-48 * time.Hour)}
	mgr.CancelStaleOrders(context.Background(), "btc_jpy", []exchange.ActiveOrder{old}, tracker)

	orders, err := client.FetchActiveOrders(context.Background(), "btc_jpy")
	if err != nil {
		t.Fatalf("FetchActiveOrders: %v", err)
	}
	found := false
	for _, o := range orders {
		if o.OrderID == placed.OrderID {
			found = true
			if o.Status != "cancelled_unfilled" {
				t.Errorf("stale order status = %q, want cancelled_unfilled", o.Status)
			}
		}
	}
	if !found {
		t.Fatalf("placed order %s not found in active orders", placed.OrderID)
	}
}

func TestCancelStaleOrdersSkipsProtectedOrder(t *testing.T) {
	client := exchangetest.NewFakeClient()
	mgr := newTestTPSLManager(t, client, false, false)
	tracker := position.NewTracker()

	placed, err := client.CreateOrder(context.Background(), exchange.CreateOrderRequest{Symbol: "btc_jpy", Side: "buy", Type: "limit", Price: decimal.NewFromInt(4900000), Amount: decimal.NewFromFloat(0.01)})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	tracker.Open(domain.VirtualPosition{Side: domain.ActionSell, TPOrderID: placed.OrderID})

	old := exchange.ActiveOrder{OrderID: placed.OrderID, Type: "limit", Side: "buy", CreatedAt: time.Now().Add(-48 * time.Hour)}
	mgr.CancelStaleOrders(context.Background(), "btc_jpy", []exchange.ActiveOrder{old}, tracker)

	orders, err := client.FetchActiveOrders(context.Background(), "btc_jpy")
	if err != nil {
		t.Fatalf("FetchActiveOrders: %v", err)
	}
	for _, o := range orders {
		if o.OrderID == placed.OrderID && o.Status == "cancelled_unfilled" {
			t.Errorf("protected order %s was cancelled, want left alone", placed.OrderID)
		}
	}
}

func TestCancelStaleOrdersSkipsBelowThreshold(t *testing.T) {
	client := exchangetest.NewFakeClient()
	mgr := newTestTPSLManager(t, client, false, false)
	mgr.tpsl.ThresholdCount = 25
	tracker := position.NewTracker()

	placed, err := client.CreateOrder(context.Background(), exchange.CreateOrderRequest{Symbol: "btc_jpy", Side: "buy", Type: "limit", Price: decimal.NewFromInt(4900000), Amount: decimal.NewFromFloat(0.01)})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	old := exchange.ActiveOrder{OrderID: placed.OrderID, Type: "limit", Side: "buy", CreatedAt: time.Now().Add(-48 * time.Hour)}
	mgr.CancelStaleOrders(context.Background(), "btc_jpy", []exchange.ActiveOrder{old}, tracker)

	orders, err := client.FetchActiveOrders(context.Background(), "btc_jpy")
	if err != nil {
		t.Fatalf("FetchActiveOrders: %v", err)
	}
	for _, o := range orders {
		if o.OrderID == placed.OrderID && o.Status == "cancelled_unfilled" {
			t.Errorf("order %s cancelled below active-order threshold, want left alone", placed.OrderID)
		}
	}
}

func TestValidateSLDirectionRejectsInvertedBuySL(t *testing.T) {
	err := validateSLDirection(domain.ActionBuy, decimal.NewFromInt(5100000), decimal.NewFromInt(5000000))
	if err == nil {
		t.Fatal("expected an error for a buy-side SL above entry")
	}
}

func TestValidateSLDirectionAcceptsCorrectSellSL(t *testing.T) {
	err := validateSLDirection(domain.ActionSell, decimal.NewFromInt(5100000), decimal.NewFromInt(5000000))
	if err != nil {
		t.Errorf("validateSLDirection: unexpected error %v", err)
	}
}

func TestPlaceStopLossRejectsInvertedSignalSL(t *testing.T) {
	client := exchangetest.NewFakeClient()
	mgr := newTestTPSLManager(t, client, true, true)

	pos := domain.VirtualPosition{Side: domain.ActionBuy, EntryPrice: decimal.NewFromInt(5000000), StopLoss: decimal.NewFromInt(5100000), Amount: decimal.NewFromFloat(0.01)}
	_, err := mgr.placeStopLoss(context.Background(), "btc_jpy", domain.ActionSell, pos)
	if err == nil {
		t.Fatal("expected placeStopLoss to reject an inverted stop-loss before submission")
	}
}

func TestRecalcTPSLMatchesNormalRangeRatios(t *testing.T) {
	client := exchangetest.NewFakeClient()
	mgr := newTestTPSLManager(t, client, true, true)
	mgr.tpCfg.DefaultRatio = 0.009
	mgr.slCfg.MaxLossRatio = 0.007

	tp, sl, err := mgr.recalcTPSL(decimal.NewFromInt(14000000), domain.ActionBuy, domain.MarketConditions{})
	if err != nil {
		t.Fatalf("recalcTPSL: %v", err)
	}
	wantTP := decimal.NewFromInt(14126000)
	wantSL := decimal.NewFromInt(13902000)
	if !tp.Equal(wantTP) {
		t.Errorf("tp = %s, want %s", tp.String(), wantTP.String())
	}
	if !sl.Equal(wantSL) {
		t.Errorf("sl = %s, want %s", sl.String(), wantSL.String())
	}
}

func TestCloseOnBreachClosesWithMarketWhenSLAlreadyBreached(t *testing.T) {
	client := exchangetest.NewFakeClient()
	client.Ticker.Last = decimal.NewFromInt(13900000)
	mgr := newTestTPSLManager(t, client, true, true)

	pos := domain.VirtualPosition{Side: domain.ActionBuy, EntryPrice: decimal.NewFromInt(14000000), StopLoss: decimal.NewFromInt(13950000), Amount: decimal.NewFromFloat(0.01)}
	orderID, err := mgr.closeOnBreach(context.Background(), "btc_jpy", domain.ActionBuy, domain.ActionSell, pos)
	if err != nil {
		t.Fatalf("closeOnBreach: %v", err)
	}
	if len(orderID) < 13 || orderID[:13] != "market_close_" {
		t.Errorf("orderID = %q, want market_close_ prefix", orderID)
	}
	if !client.LastCreateOrderReq.IsClosingOrder {
		t.Error("expected the market close order to set IsClosingOrder")
	}
}

func TestCloseOnBreachPlacesNormalSLWhenNotBreached(t *testing.T) {
	client := exchangetest.NewFakeClient()
	client.Ticker.Last = decimal.NewFromInt(14050000)
	mgr := newTestTPSLManager(t, client, true, true)

	pos := domain.VirtualPosition{Side: domain.ActionBuy, EntryPrice: decimal.NewFromInt(14000000), StopLoss: decimal.NewFromInt(13950000), Amount: decimal.NewFromFloat(0.01)}
	orderID, err := mgr.closeOnBreach(context.Background(), "btc_jpy", domain.ActionBuy, domain.ActionSell, pos)
	if err != nil {
		t.Fatalf("closeOnBreach: %v", err)
	}
	if len(orderID) >= 13 && orderID[:13] == "market_close_" {
		t.Errorf("orderID = %q, expected a normal stop order, not a market close", orderID)
	}
}

func TestEnsureCoverageRecoversUncoveredPosition(t *testing.T) {
	client := exchangetest.NewFakeClient()
	client.Positions = []exchange.MarginPosition{{Symbol: "btc_jpy", Side: "buy", Amount: decimal.NewFromFloat(0.01), OpenPrice: decimal.NewFromInt(14000000)}}
	mgr := newTestTPSLManager(t, client, true, true)
	tracker := position.NewTracker()

	mgr.EnsureCoverage(context.Background(), "btc_jpy", tracker)

	pos := tracker.Current()
	if pos == nil {
		t.Fatal("expected EnsureCoverage to adopt a recovered position")
	}
	if !pos.HasTPSL() {
		t.Errorf("pos = %+v, want both TP and SL order ids set", pos)
	}
	if !pos.Recovered {
		t.Error("expected recovered position to be flagged Recovered")
	}
}

func TestEnsureCoverageSkipsRestoredFullyHedgedPosition(t *testing.T) {
	client := exchangetest.NewFakeClient()
	client.Positions = []exchange.MarginPosition{{Symbol: "btc_jpy", Side: "buy", Amount: decimal.NewFromFloat(0.01), OpenPrice: decimal.NewFromInt(14000000)}}
	tpOrder, err := client.CreateOrder(context.Background(), exchange.CreateOrderRequest{Symbol: "btc_jpy", Side: "sell", Type: "limit", Price: decimal.NewFromInt(14126000), Amount: decimal.NewFromFloat(0.01)})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	slOrder, err := client.CreateOrder(context.Background(), exchange.CreateOrderRequest{Symbol: "btc_jpy", Side: "sell", Type: "stop", Price: decimal.NewFromInt(13902000), Amount: decimal.NewFromFloat(0.01)})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	mgr := newTestTPSLManager(t, client, true, true)
	tracker := position.NewTracker()
	tracker.Open(domain.VirtualPosition{
		Side: domain.ActionBuy, Amount: decimal.NewFromFloat(0.01), EntryPrice: decimal.NewFromInt(14000000),
		TPOrderID: tpOrder.OrderID, SLOrderID: slOrder.OrderID, Restored: true,
	})

	mgr.EnsureCoverage(context.Background(), "btc_jpy", tracker)

	pos := tracker.Current()
	if pos == nil || pos.TPOrderID != tpOrder.OrderID || pos.SLOrderID != slOrder.OrderID {
		t.Errorf("expected EnsureCoverage to leave the restored, fully-hedged position untouched, got %+v", pos)
	}
}

func TestSweepOrphansRemovesAlreadyInactiveRecords(t *testing.T) {
	client := exchangetest.NewFakeClient()
	orphan, err := persistence.NewOrphanSLLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewOrphanSLLog: %v", err)
	}
	orphan.Record(domain.OrphanSLRecord{SLOrderID: "sl-gone"})

	mgr := NewTPSLManager(client, orphan, testMetrics(t), config.TakeProfitConfig{}, config.StopLossConfig{}, config.TPSLConfig{MaxOrderAgeHours: 24}, testLogger(t))
	mgr.SweepOrphans(context.Background(), "btc_jpy", nil)

	if len(orphan.All()) != 0 {
		t.Errorf("orphan log = %v, want empty after sweeping a no-longer-active record", orphan.All())
	}
}
