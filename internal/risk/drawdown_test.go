package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/logging"
)

func newTestLogger(t *testing.T) logging.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return logger
}

func TestDrawdownManagerTripsOnRatio(t *testing.T) {
	dm, err := NewDrawdownManager(t.TempDir(), decimal.NewFromFloat(0.2), 5, time.Hour, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewDrawdownManager: %v", err)
	}

	dm.Evaluate(decimal.NewFromInt(100000))
	snap := dm.Evaluate(decimal.NewFromInt(75000))

	if snap.TradingStatus != domain.StatusPausedDrawdown {
		t.Errorf("status = %v, want paused_drawdown", snap.TradingStatus)
	}
}

func TestDrawdownManagerTripsOnConsecutiveLosses(t *testing.T) {
	dm, err := NewDrawdownManager(t.TempDir(), decimal.NewFromFloat(0.5), 3, time.Hour, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewDrawdownManager: %v", err)
	}

	for i := 0; i < 3; i++ {
		dm.RecordTradeResult(domain.TradeResult{PnL: decimal.NewFromInt(-1), IsWin: false})
	}
	snap := dm.Evaluate(decimal.NewFromInt(100))

	if snap.TradingStatus != domain.StatusPausedConsecutiveLoss {
		t.Errorf("status = %v, want paused_consecutive_loss", snap.TradingStatus)
	}
}

func TestDrawdownManagerManualPauseResume(t *testing.T) {
	dm, err := NewDrawdownManager(t.TempDir(), decimal.NewFromFloat(0.5), 5, time.Hour, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewDrawdownManager: %v", err)
	}

	if err := dm.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if dm.Status() != domain.StatusPausedManual {
		t.Errorf("status = %v, want paused_manual", dm.Status())
	}

	if err := dm.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if dm.Status() != domain.StatusActive {
		t.Errorf("status = %v, want active", dm.Status())
	}
}
