package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/alerting"
	"bitbank-trader/internal/config"
	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/exchange"
	"bitbank-trader/internal/exchange/exchangetest"
	"bitbank-trader/internal/execution"
	"bitbank-trader/internal/logging"
	"bitbank-trader/internal/persistence"
	"bitbank-trader/internal/position"
	"bitbank-trader/internal/risk"
	"bitbank-trader/internal/telemetry"
)

type stubSignaler struct {
	signal domain.Signal
	err    error
	calls  int
}

func (s *stubSignaler) Signal(ctx context.Context, ticker exchange.Ticker, book exchange.OrderBook) (domain.Signal, error) {
	s.calls++
	return s.signal, s.err
}

func newTestLogger(t *testing.T) logging.ILogger {
	t.Helper()
	l, err := logging.NewZapLogger("ERROR")
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	return l
}

func newTestCycle(t *testing.T, client *exchangetest.FakeClient, signaler StrategySignaler) *Cycle {
	t.Helper()
	logger := newTestLogger(t)

	metrics, err := telemetry.NewMetrics((&telemetry.Telemetry{}).Meter("test-orchestrator"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	orphan, err := persistence.NewOrphanSLLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewOrphanSLLog: %v", err)
	}
	tpsl := execution.NewTPSLManager(client, orphan, metrics,
		config.TakeProfitConfig{}, config.StopLossConfig{}, config.TPSLConfig{MaxOrderAgeHours: 24}, logger)

	decider := execution.NewOrderStrategyDecider(config.OrderExecutionConfig{SmartOrderEnabled: false})
	tracker := position.NewTracker()
	sizer := risk.NewPositionSizer(20, decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.0001))
	dm, err := risk.NewDrawdownManager(t.TempDir(), decimal.NewFromFloat(0.2), 5, time.Hour, logger)
	if err != nil {
		t.Fatalf("NewDrawdownManager: %v", err)
	}
	pool := alerting.NewPool(alerting.PoolConfig{Name: "test", MaxWorkers: 1, MaxCapacity: 10, IdleTimeout: time.Second}, logger)
	sink := alerting.NewLogOnlyAlertSink(logger, pool)

	svc := execution.NewService(client, decider, tpsl, tracker, sizer, dm, sink, logger, "btc_jpy",
		decimal.NewFromFloat(-0.0002), decimal.NewFromFloat(0.0012),
		domain.ModeLive, decimal.NewFromFloat(0.0001), true)

	anomaly := risk.NewAnomalyDetector(decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.1), time.Second, 10)
	evaluator := risk.NewRiskEvaluator(dm, anomaly, sizer, risk.EvaluatorConfig{
		RiskThresholdDeny: 0.9, RiskThresholdConditional: 0.7, MinMLConfidence: 0.1,
		MaxDrawdownRatio: 0.2, ConsecutiveLossLimit: 5,
	}, logger)

	restorer := execution.NewPositionRestorer(client, tracker, logger)

	return NewCycle(client, signaler, evaluator, svc, tpsl, tracker, restorer, "btc_jpy", time.Hour, time.Hour, time.Hour, logger)
}

func TestRunOnceSkipsOnHoldSignal(t *testing.T) {
	client := exchangetest.NewFakeClient()
	signaler := &stubSignaler{signal: domain.Signal{Action: domain.ActionHold}}
	c := newTestCycle(t, client, signaler)

	if err := c.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if signaler.calls != 1 {
		t.Errorf("signaler called %d times, want 1", signaler.calls)
	}
}

func TestRunOnceExecutesOnApprovedBuySignal(t *testing.T) {
	client := exchangetest.NewFakeClient()
	signaler := &stubSignaler{signal: domain.Signal{Action: domain.ActionBuy, Confidence: 0.95}}
	c := newTestCycle(t, client, signaler)

	if err := c.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	orders, err := client.FetchActiveOrders(context.Background(), "btc_jpy")
	if err != nil {
		t.Fatalf("FetchActiveOrders: %v", err)
	}
	if len(orders) == 0 {
		t.Error("expected an order to have been placed for an approved buy signal")
	}
}

func TestRunMaintenanceSweepsWithoutError(t *testing.T) {
	client := exchangetest.NewFakeClient()
	signaler := &stubSignaler{signal: domain.Signal{Action: domain.ActionHold}}
	c := newTestCycle(t, client, signaler)

	c.runMaintenance(context.Background())
}
