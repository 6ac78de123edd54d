package risk

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/logging"
	"bitbank-trader/internal/persistence"
)

// drawdownState is the JSON-persisted shape, grounded on spec.md §9's
// write-to-temp+rename redesign note rather than the teacher's in-memory-only
// CircuitBreaker, which never survived a process restart.
type drawdownState struct {
	PeakBalance       decimal.Decimal        `json:"peak_balance"`
	ConsecutiveLosses int                    `json:"consecutive_losses"`
	Status            domain.TradingStatus   `json:"trading_status"`
	PausedUntil       *time.Time             `json:"paused_until,omitempty"`
	Sessions          []domain.TradingSession `json:"sessions"`
}

// DrawdownManager is a 4-state FSM (active / paused_drawdown /
// paused_consecutive_loss / paused_manual), grounded on the teacher's
// CircuitBreaker trip/cooldown/reset shape but driven by peak-to-trough
// drawdown ratio and consecutive losses instead of raw PnL, per the Bitbank
// bot's original drawdown_manager.py.
type DrawdownManager struct {
	mu sync.Mutex

	maxDrawdownRatio     decimal.Decimal
	consecutiveLossLimit int
	cooldown             time.Duration

	statePath string
	logger    logging.ILogger

	state        drawdownState
	currentSess  *domain.TradingSession
}

// NewDrawdownManager loads prior state from stateDir/drawdown_state.json if
// present, starting fresh (StatusActive, zero peak) otherwise.
func NewDrawdownManager(stateDir string, maxDrawdownRatio decimal.Decimal, consecutiveLossLimit int, cooldown time.Duration, logger logging.ILogger) (*DrawdownManager, error) {
	dm := &DrawdownManager{
		maxDrawdownRatio:     maxDrawdownRatio,
		consecutiveLossLimit: consecutiveLossLimit,
		cooldown:             cooldown,
		statePath:            filepath.Join(stateDir, "drawdown_state.json"),
		logger:               logger.WithField("component", "drawdown_manager"),
		state:                drawdownState{Status: domain.StatusActive},
	}

	if err := persistence.ReadJSON(dm.statePath, &dm.state); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dm.logger.Info("no prior drawdown state found, starting fresh")
	}

	if os.Getenv("FORCE_DRAWDOWN_RESET") == "true" {
		dm.logger.Warn("FORCE_DRAWDOWN_RESET set, clearing paused state")
		dm.state.Status = domain.StatusActive
		dm.state.ConsecutiveLosses = 0
		dm.state.PausedUntil = nil
	}

	return dm, nil
}

// StartSession opens a TradingSession bookkeeping record, supplementing the
// spec's drawdown tracking with the original implementation's session log.
func (dm *DrawdownManager) StartSession(initialBalance decimal.Decimal) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.currentSess = &domain.TradingSession{StartTime: time.Now(), InitialBalance: initialBalance}
}

// EndSession closes the current session with a reason ("manual_stop",
// "drawdown_triggered", "shutdown") and persists it.
func (dm *DrawdownManager) EndSession(reason string, finalBalance decimal.Decimal) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.currentSess == nil {
		return nil
	}
	now := time.Now()
	dm.currentSess.EndTime = &now
	dm.currentSess.Reason = reason
	dm.currentSess.FinalBalance = &finalBalance
	dm.state.Sessions = append(dm.state.Sessions, *dm.currentSess)
	dm.currentSess = nil
	return dm.persist()
}

// Evaluate updates peak/drawdown bookkeeping from the latest balance snapshot
// and returns the resulting status plus a DrawdownSnapshot for alerting.
func (dm *DrawdownManager) Evaluate(currentBalance decimal.Decimal) domain.DrawdownSnapshot {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if currentBalance.GreaterThan(dm.state.PeakBalance) {
		dm.state.PeakBalance = currentBalance
	}

	ratio := decimal.Zero
	if dm.state.PeakBalance.IsPositive() {
		ratio = dm.state.PeakBalance.Sub(currentBalance).Div(dm.state.PeakBalance)
	}

	dm.maybeRecoverFromCooldown()

	if dm.state.Status == domain.StatusActive {
		if ratio.GreaterThanOrEqual(dm.maxDrawdownRatio) {
			dm.trip(domain.StatusPausedDrawdown)
		} else if dm.consecutiveLossLimit > 0 && dm.state.ConsecutiveLosses >= dm.consecutiveLossLimit {
			dm.trip(domain.StatusPausedConsecutiveLoss)
		}
	}

	_ = dm.persist()

	return domain.DrawdownSnapshot{
		Timestamp:         time.Now(),
		CurrentBalance:    currentBalance,
		PeakBalance:       dm.state.PeakBalance,
		DrawdownRatio:     ratio,
		ConsecutiveLosses: dm.state.ConsecutiveLosses,
		TradingStatus:     dm.state.Status,
	}
}

// RecordTradeResult feeds a closed trade's outcome into the consecutive-loss
// counter, mirroring the teacher's CircuitBreaker.RecordTrade.
func (dm *DrawdownManager) RecordTradeResult(result domain.TradeResult) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if result.IsWin {
		dm.state.ConsecutiveLosses = 0
	} else {
		dm.state.ConsecutiveLosses++
	}
	_ = dm.persist()
}

func (dm *DrawdownManager) trip(status domain.TradingStatus) {
	dm.state.Status = status
	until := time.Now().Add(dm.cooldown)
	dm.state.PausedUntil = &until
	dm.logger.Warn("trading paused", "status", status.String(), "until", until)
}

func (dm *DrawdownManager) maybeRecoverFromCooldown() {
	if dm.state.Status == domain.StatusActive || dm.state.Status == domain.StatusPausedManual {
		return
	}
	if dm.state.PausedUntil != nil && time.Now().After(*dm.state.PausedUntil) {
		dm.logger.Info("cooldown elapsed, resuming trading", "previous_status", dm.state.Status.String())
		dm.state.Status = domain.StatusActive
		dm.state.ConsecutiveLosses = 0
		dm.state.PausedUntil = nil
	}
}

// Pause manually pauses trading indefinitely (operator action, no cooldown).
func (dm *DrawdownManager) Pause() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.state.Status = domain.StatusPausedManual
	dm.state.PausedUntil = nil
	return dm.persist()
}

// Resume manually clears any paused state.
func (dm *DrawdownManager) Resume() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.state.Status = domain.StatusActive
	dm.state.ConsecutiveLosses = 0
	dm.state.PausedUntil = nil
	return dm.persist()
}

// Status reports the current FSM state without mutating it.
func (dm *DrawdownManager) Status() domain.TradingStatus {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.maybeRecoverFromCooldown()
	return dm.state.Status
}

func (dm *DrawdownManager) persist() error {
	return persistence.WriteJSONAtomic(dm.statePath, dm.state)
}
