package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/exchange"
	"bitbank-trader/internal/exchange/exchangetest"
	"bitbank-trader/internal/position"
)

func TestRestoreStartsFlatWhenNoPosition(t *testing.T) {
	client := exchangetest.NewFakeClient()
	tracker := position.NewTracker()
	r := NewPositionRestorer(client, tracker, testLogger(t))

	if err := r.Restore(context.Background(), "btc_jpy"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if tracker.HasOpenPosition() {
		t.Error("expected no open position restored when exchange reports none")
	}
}

func TestRestoreRebuildsPositionAndLinksTPSL(t *testing.T) {
	client := exchangetest.NewFakeClient()
	client.Positions = []exchange.MarginPosition{
		{Symbol: "btc_jpy", Side: "buy", Amount: decimal.NewFromFloat(0.01), OpenPrice: decimal.NewFromInt(5000000)},
	}
	tpOrder, err := client.CreateOrder(context.Background(), exchange.CreateOrderRequest{Symbol: "btc_jpy", Side: "sell", Type: "limit", Price: decimal.NewFromInt(5100000), Amount: decimal.NewFromFloat(0.01)})
	if err != nil {
		t.Fatalf("seed TP order: %v", err)
	}
	slOrder, err := client.CreateOrder(context.Background(), exchange.CreateOrderRequest{Symbol: "btc_jpy", Side: "sell", Type: "stop", TriggerPrice: decimal.NewFromInt(4900000), Amount: decimal.NewFromFloat(0.01)})
	if err != nil {
		t.Fatalf("seed SL order: %v", err)
	}

	tracker := position.NewTracker()
	r := NewPositionRestorer(client, tracker, testLogger(t))

	if err := r.Restore(context.Background(), "btc_jpy"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !tracker.HasOpenPosition() {
		t.Fatal("expected a restored position")
	}
	pos := tracker.Current()
	if !pos.Restored || pos.Recovered {
		t.Errorf("pos = %+v, want Restored true and Recovered false", pos)
	}
	if pos.TPOrderID != tpOrder.OrderID {
		t.Errorf("TPOrderID = %q, want %q", pos.TPOrderID, tpOrder.OrderID)
	}
	if pos.SLOrderID != slOrder.OrderID {
		t.Errorf("SLOrderID = %q, want %q", pos.SLOrderID, slOrder.OrderID)
	}
}
