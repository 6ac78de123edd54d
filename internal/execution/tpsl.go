package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/config"
	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/exchange"
	"bitbank-trader/internal/logging"
	"bitbank-trader/internal/persistence"
	"bitbank-trader/internal/position"
	"bitbank-trader/internal/telemetry"
	"bitbank-trader/pkg/retry"
)

// coverageThreshold is the fraction of a position's amount that its exit-side
// TP (or SL) orders must sum to before that leg counts as covered.
var coverageThreshold = decimal.NewFromFloat(0.95)

// TPSLManager places the entry order and its paired take-profit/stop-loss
// legs as one atomic unit, rolling the entry back if either leg cannot be
// placed after retries. Grounded on the teacher's execution.SequenceExecutor
// (steps executed in order, compensated in reverse on failure) and
// risk.OrderCleaner (age-based stale-order sweep), combined into the single
// entry→TP→SL→verify→cleanup lifecycle spec.md §4.6 describes. EnsureCoverage
// extends that lifecycle to the exchange's ground truth: every maintenance
// pass it re-derives TP/SL coverage from real margin positions and active
// orders rather than trusting the in-memory tracker alone, since that is the
// only way to catch a leg an operator cancelled by hand or a leg lost to a
// crash between cycles.
type TPSLManager struct {
	client  exchange.Client
	orphan  *persistence.OrphanSLLog
	logger  logging.ILogger
	metrics *telemetry.Metrics

	tpCfg config.TakeProfitConfig
	slCfg config.StopLossConfig
	tpsl  config.TPSLConfig

	pending map[string]domain.PendingTPSLVerification
}

// NewTPSLManager wires the manager from its dependencies and config.
func NewTPSLManager(client exchange.Client, orphan *persistence.OrphanSLLog, metrics *telemetry.Metrics, tpCfg config.TakeProfitConfig, slCfg config.StopLossConfig, tpsl config.TPSLConfig, logger logging.ILogger) *TPSLManager {
	return &TPSLManager{
		client:  client,
		orphan:  orphan,
		logger:  logger.WithField("component", "tpsl_manager"),
		metrics: metrics,
		tpCfg:   tpCfg,
		slCfg:   slCfg,
		tpsl:    tpsl,
		pending: make(map[string]domain.PendingTPSLVerification),
	}
}

// RunAtomicEntry places the entry order, recalculates TP/SL from the actual
// fill price, then places its TP and SL legs. If either leg fails after
// retries, the entry is unwound with an opposite-side market order (the
// step/compensate pattern) and an ExecutionResult with StatusFailed is
// returned.
func (m *TPSLManager) RunAtomicEntry(ctx context.Context, symbol string, eval domain.TradeEvaluation, plan OrderPlan) (domain.ExecutionResult, domain.VirtualPosition, error) {
	entryReq := exchange.CreateOrderRequest{
		Symbol: symbol,
		Side:   eval.Side.String(),
		Type:   plan.Type,
		Price:  plan.LimitPrice,
		Amount: eval.PositionSize,
	}

	entryResult, err := m.client.CreateOrder(ctx, entryReq)
	if err != nil {
		return domain.ExecutionResult{Success: false, Status: domain.StatusFailed, Error: err.Error()}, domain.VirtualPosition{}, fmt.Errorf("place entry order: %w", err)
	}

	pos := domain.VirtualPosition{
		OrderID:    entryResult.OrderID,
		Side:       eval.Side,
		Amount:     eval.PositionSize,
		EntryPrice: firstNonZero(entryResult.AvgPrice, entryResult.Price, eval.EntryPrice),
		Timestamp:  time.Now(),
		TakeProfit: eval.TakeProfit,
		StopLoss:   eval.StopLoss,
	}

	if !m.tpCfg.Enabled && !m.slCfg.Enabled {
		return domain.ExecutionResult{Success: true, Status: domain.StatusFilled, Price: pos.EntryPrice, Amount: pos.Amount, OrderID: pos.OrderID}, pos, nil
	}

	exitSide := eval.Side.Opposite()

	recalcTP, recalcSL, recalcErr := m.recalcTPSL(pos.EntryPrice, eval.Side, eval.MarketConditions)
	if recalcErr != nil {
		if m.tpsl.RequireTPSLRecalculation {
			m.logger.Error("tp/sl recalculation from fill price failed, aborting entry", "error", recalcErr, "entry_order_id", pos.OrderID)
			m.rollback(ctx, symbol, exitSide, pos.Amount)
			m.metrics.RollbackTotal.Add(ctx, 1)
			return domain.ExecutionResult{Success: false, Status: domain.StatusFailed, Error: recalcErr.Error()}, domain.VirtualPosition{}, fmt.Errorf("recalculate tp/sl: %w", recalcErr)
		}
		m.logger.Warn("tp/sl recalculation failed, keeping evaluation-provided levels", "error", recalcErr)
	} else {
		pos.TakeProfit = recalcTP
		pos.StopLoss = recalcSL
	}

	var tpOrderID string
	tpErr := retry.Do(ctx, retry.DefaultPolicy, func(error) bool { return true }, func() error {
		var placeErr error
		tpOrderID, placeErr = m.placeTakeProfit(ctx, symbol, exitSide, pos)
		return placeErr
	})
	if tpErr != nil {
		m.logger.Error("take-profit placement failed, rolling back entry", "error", tpErr, "entry_order_id", pos.OrderID)
		m.rollback(ctx, symbol, exitSide, pos.Amount)
		m.metrics.RollbackTotal.Add(ctx, 1)
		return domain.ExecutionResult{Success: false, Status: domain.StatusFailed, Error: tpErr.Error()}, domain.VirtualPosition{}, fmt.Errorf("place take profit: %w", tpErr)
	}
	pos.TPOrderID = tpOrderID

	slOrderID, slErr := m.placeStopLoss(ctx, symbol, exitSide, pos)
	if slErr != nil {
		m.logger.Error("stop-loss placement failed, cancelling TP and rolling back entry", "error", slErr, "entry_order_id", pos.OrderID)
		if _, err := m.client.CancelOrder(ctx, symbol, tpOrderID); err != nil {
			m.logger.Error("failed to cancel take-profit during rollback", "error", err, "tp_order_id", tpOrderID)
		}
		m.rollback(ctx, symbol, exitSide, pos.Amount)
		m.metrics.RollbackTotal.Add(ctx, 1)
		return domain.ExecutionResult{Success: false, Status: domain.StatusFailed, Error: slErr.Error()}, domain.VirtualPosition{}, fmt.Errorf("place stop loss: %w", slErr)
	}
	pos.SLOrderID = slOrderID
	pos.SLPlacedAt = time.Now()

	m.pending[pos.OrderID] = domain.PendingTPSLVerification{
		ScheduledAt:  time.Now(),
		VerifyAfter:  time.Now().Add(time.Duration(m.tpsl.VerificationDelaySeconds) * time.Second),
		EntryOrderID: pos.OrderID,
		Side:         eval.Side,
		Amount:       pos.Amount,
		EntryPrice:   pos.EntryPrice,
		Symbol:       symbol,
	}

	m.metrics.OrdersPlacedTotal.Add(ctx, 1)

	return domain.ExecutionResult{Success: true, Status: domain.StatusFilled, Price: pos.EntryPrice, Amount: pos.Amount, OrderID: pos.OrderID}, pos, nil
}

// recalcTPSL recomputes TP/SL from the entry's actual fill price rather than
// the signal's (pre-fill) estimate, using a 2-level ATR fallback to settle on
// the volatility input for the regime table: L0 is market_conditions'
// already-known ATR, L1 would be a tracked ATR tail the orchestrator doesn't
// currently compute (no candle history is kept outside the signal stack), so
// resolution falls to L2, the configured FallbackATR. The ATR value itself is
// diagnostic; the regime table maps straight onto ratio-based TP/SL distances
// (only normal_range is tabulated today).
func (m *TPSLManager) recalcTPSL(entryPrice decimal.Decimal, side domain.Action, mc domain.MarketConditions) (decimal.Decimal, decimal.Decimal, error) {
	if entryPrice.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("zero entry price")
	}
	_ = m.resolveATR(mc)

	tpRatio, slRatio := m.regimeRatios(mc.Regime)
	if side == domain.ActionBuy {
		return entryPrice.Add(entryPrice.Mul(tpRatio)), entryPrice.Sub(entryPrice.Mul(slRatio)), nil
	}
	return entryPrice.Sub(entryPrice.Mul(tpRatio)), entryPrice.Add(entryPrice.Mul(slRatio)), nil
}

// resolveATR applies the L0 (current market ATR) -> L1 (recent ATR tail,
// unavailable in this codebase) -> L2 (config.FallbackATR) fallback chain.
func (m *TPSLManager) resolveATR(mc domain.MarketConditions) decimal.Decimal {
	if !mc.ATRCurrent.IsZero() {
		return mc.ATRCurrent
	}
	if v, ok := mc.Extra["atr_14_15m"]; ok && !v.IsZero() {
		return v
	}
	if v, ok := mc.Extra["atr_14_4h"]; ok && !v.IsZero() {
		return v
	}
	return decimal.NewFromFloat(m.tpsl.FallbackATR)
}

// regimeRatios looks up the (take-profit, stop-loss) distance ratios for a
// market regime. Only normal_range is tabulated; any other or empty regime
// falls back to the same configured defaults until more regimes are defined.
func (m *TPSLManager) regimeRatios(regime string) (tpRatio, slRatio decimal.Decimal) {
	switch regime {
	default:
		return decimal.NewFromFloat(m.tpCfg.DefaultRatio), decimal.NewFromFloat(m.slCfg.MaxLossRatio)
	}
}

// placeTakeProfit, with the maker strategy enabled, submits a post-only limit
// order up to MaxRetries times (RetryIntervalMs apart) and then, if
// FallbackToNative is set, falls back to CreateTakeProfitOrder's plain limit
// order, grounded on config.MakerStrategyConfig's retry/fallback fields;
// MakerStrategy.TimeoutSeconds is not consulted. With the maker strategy
// disabled it submits the CreateTakeProfitOrder limit order once.
func (m *TPSLManager) placeTakeProfit(ctx context.Context, symbol string, exitSide domain.Action, pos domain.VirtualPosition) (string, error) {
	if !m.tpCfg.Enabled {
		return "", nil
	}

	tpPrice := pos.TakeProfit
	if tpPrice.IsZero() {
		ratio := decimal.NewFromFloat(m.tpCfg.DefaultRatio)
		if pos.Side == domain.ActionBuy {
			tpPrice = pos.EntryPrice.Add(pos.EntryPrice.Mul(ratio))
		} else {
			tpPrice = pos.EntryPrice.Sub(pos.EntryPrice.Mul(ratio))
		}
	}

	if !m.tpCfg.MakerStrategy.Enabled {
		result, err := m.client.CreateTakeProfitOrder(ctx, symbol, exitSide.String(), tpPrice, pos.Amount)
		return result.OrderID, err
	}

	var lastErr error
	for attempt := 0; attempt < m.tpCfg.MakerStrategy.MaxRetries; attempt++ {
		result, err := m.client.CreateOrder(ctx, exchange.CreateOrderRequest{
			Symbol: symbol, Side: exitSide.String(), Type: "limit", Price: tpPrice, Amount: pos.Amount, PostOnly: true,
		})
		if err == nil {
			return result.OrderID, nil
		}
		lastErr = err
		m.metrics.TPSLRetriesTotal.Add(ctx, 1)
		m.logger.Warn("take-profit maker attempt failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(m.tpCfg.MakerStrategy.RetryIntervalMs) * time.Millisecond):
		}
	}

	if m.tpCfg.MakerStrategy.FallbackToNative {
		m.logger.Warn("maker take-profit exhausted retries, falling back to native order type")
		result, err := m.client.CreateTakeProfitOrder(ctx, symbol, exitSide.String(), tpPrice, pos.Amount)
		return result.OrderID, err
	}

	return "", lastErr
}

// validateSLDirection rejects an inverted stop-loss before it ever reaches
// the exchange: a long's SL must sit below entry, a short's above it. Letting
// an inverted trigger through would either fire instantly or never fire.
func validateSLDirection(side domain.Action, slPrice, entryPrice decimal.Decimal) error {
	switch side {
	case domain.ActionBuy:
		if !slPrice.LessThan(entryPrice) {
			return fmt.Errorf("invalid stop-loss direction: buy side requires sl < entry (sl=%s entry=%s)", slPrice.String(), entryPrice.String())
		}
	case domain.ActionSell:
		if !slPrice.GreaterThan(entryPrice) {
			return fmt.Errorf("invalid stop-loss direction: sell side requires sl > entry (sl=%s entry=%s)", slPrice.String(), entryPrice.String())
		}
	}
	return nil
}

// placeStopLoss places the stop order at StopLoss (or the MaxLossRatio-derived fallback)
// with the configured slippage buffer applied to the trigger price, after
// rejecting any trigger on the wrong side of entry.
func (m *TPSLManager) placeStopLoss(ctx context.Context, symbol string, exitSide domain.Action, pos domain.VirtualPosition) (string, error) {
	if !m.slCfg.Enabled {
		return "", nil
	}

	slPrice := pos.StopLoss
	if slPrice.IsZero() {
		ratio := decimal.NewFromFloat(m.slCfg.MaxLossRatio)
		if pos.Side == domain.ActionBuy {
			slPrice = pos.EntryPrice.Sub(pos.EntryPrice.Mul(ratio))
		} else {
			slPrice = pos.EntryPrice.Add(pos.EntryPrice.Mul(ratio))
		}
	}

	if err := validateSLDirection(pos.Side, slPrice, pos.EntryPrice); err != nil {
		return "", err
	}

	buffer := decimal.NewFromFloat(m.slCfg.SlippageBuffer)
	if pos.Side == domain.ActionBuy {
		slPrice = slPrice.Sub(slPrice.Mul(buffer))
	} else {
		slPrice = slPrice.Add(slPrice.Mul(buffer))
	}

	var result exchange.OrderResult
	err := retry.Do(ctx, retry.DefaultPolicy, func(error) bool { return true }, func() error {
		var createErr error
		result, createErr = m.client.CreateStopLossOrder(ctx, symbol, exitSide.String(), slPrice, pos.Amount)
		return createErr
	})
	if err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// closeOnBreach fetches the current price before placing a stop-loss: if the
// trigger has already been breached (a long whose SL sits at or above last,
// or a short whose SL sits at or below last), waiting for the exchange's stop
// engine to catch up would leave the position naked in the meantime, so it is
// closed immediately with a market order instead. Otherwise this delegates to
// the normal placeStopLoss path. Grounded on spec.md §4.6.9's restart
// scenario: a long recovered whose SL level is already above the live price.
func (m *TPSLManager) closeOnBreach(ctx context.Context, symbol string, side, exitSide domain.Action, pos domain.VirtualPosition) (string, error) {
	ticker, err := m.client.FetchTicker(ctx, symbol)
	if err != nil {
		m.logger.Warn("sl-breach check failed to fetch ticker, placing sl normally", "error", err, "symbol", symbol)
		return m.placeStopLoss(ctx, symbol, exitSide, pos)
	}

	breached := (side == domain.ActionBuy && ticker.Last.LessThanOrEqual(pos.StopLoss)) ||
		(side == domain.ActionSell && ticker.Last.GreaterThanOrEqual(pos.StopLoss))
	if !breached {
		return m.placeStopLoss(ctx, symbol, exitSide, pos)
	}

	m.logger.Warn("stop-loss trigger already breached, closing with market order", "symbol", symbol, "side", side.String(), "last", ticker.Last.String(), "sl_price", pos.StopLoss.String())
	result, err := m.client.CreateOrder(ctx, exchange.CreateOrderRequest{
		Symbol: symbol, Side: exitSide.String(), Type: "market", Amount: pos.Amount, IsClosingOrder: true,
	})
	if err != nil {
		return "", fmt.Errorf("market close on sl-breach: %w", err)
	}
	return "market_close_" + result.OrderID, nil
}

// CancelPositionOrders cancels a position's live TP and SL legs ahead of an
// emergency/manual close, so they don't keep resting on the book against a
// position the tracker is about to forget. An SL cancellation failure is
// recorded to the orphan log for SweepOrphans to retry, since an un-cancelled
// stop order can still fill later against no tracked position.
func (m *TPSLManager) CancelPositionOrders(ctx context.Context, symbol string, pos domain.VirtualPosition) {
	if pos.TPOrderID != "" {
		if _, err := m.client.CancelOrder(ctx, symbol, pos.TPOrderID); err != nil {
			m.logger.Warn("failed to cancel take-profit before close", "error", err, "tp_order_id", pos.TPOrderID)
		}
	}
	if pos.SLOrderID != "" {
		if _, err := m.client.CancelOrder(ctx, symbol, pos.SLOrderID); err != nil {
			m.logger.Warn("failed to cancel stop-loss before close, recording as orphan", "error", err, "sl_order_id", pos.SLOrderID)
			if recErr := m.orphan.Record(domain.OrphanSLRecord{
				SLOrderID: pos.SLOrderID, PositionSide: pos.Side.String(), Amount: pos.Amount.String(), CreatedAt: time.Now(),
			}); recErr != nil {
				m.logger.Error("failed to record orphan stop-loss", "error", recErr, "sl_order_id", pos.SLOrderID)
			}
		}
	}
}

func (m *TPSLManager) rollback(ctx context.Context, symbol string, exitSide domain.Action, amount decimal.Decimal) {
	_, err := m.client.CreateOrder(ctx, exchange.CreateOrderRequest{Symbol: symbol, Side: exitSide.String(), Type: "market", Amount: amount})
	if err != nil {
		m.logger.Error("CRITICAL: rollback market order failed, position may be unhedged", "error", err, "symbol", symbol, "side", exitSide.String(), "amount", amount.String())
	}
}

// VerifyPending checks every PendingTPSLVerification whose VerifyAfter has
// elapsed and, if any have, rebuilds TP/SL coverage from the exchange's
// ground truth via EnsureCoverage rather than just logging a warning: the
// whole point of the verification window is to catch a leg the atomic-entry
// flow thought it placed but the exchange never actually accepted.
func (m *TPSLManager) VerifyPending(ctx context.Context, symbol string, activeOrders []exchange.ActiveOrder, tracker *position.Tracker) {
	now := time.Now()
	due := false
	for key, pending := range m.pending {
		if now.Before(pending.VerifyAfter) {
			continue
		}
		delete(m.pending, key)
		due = true
		m.logger.Info("tp/sl verification window elapsed, rebuilding coverage", "entry_order_id", pending.EntryOrderID)
	}
	if due {
		m.EnsureCoverage(ctx, symbol, tracker)
	}
}

// SweepOrphans cancels any previously-recorded orphan stop-loss orders that
// are still active on the exchange, removing them from the log on success.
func (m *TPSLManager) SweepOrphans(ctx context.Context, symbol string, activeOrders []exchange.ActiveOrder) {
	active := make(map[string]bool, len(activeOrders))
	for _, o := range activeOrders {
		active[o.OrderID] = true
	}

	for _, rec := range m.orphan.All() {
		if !active[rec.SLOrderID] {
			_ = m.orphan.Remove(rec.SLOrderID)
			continue
		}
		if _, err := m.client.CancelOrder(ctx, symbol, rec.SLOrderID); err != nil {
			m.logger.Error("failed to cancel orphan stop loss", "error", err, "sl_order_id", rec.SLOrderID)
			continue
		}
		_ = m.orphan.Remove(rec.SLOrderID)
		m.metrics.OrphanSLTotal.Add(ctx, 1)
	}
}

// CancelStaleOrders enforces the order-budget cleanup policy (P6/§4.6.10):
// only once the active-order count reaches ThresholdCount does it cancel
// limit/stop/stop_limit orders older than MaxOrderAgeHours, on either side
// (the filter is by order type only, not by order side), and it
// never touches an order protected by the current tracked position (its live
// TP/SL legs, or its restored entry order).
func (m *TPSLManager) CancelStaleOrders(ctx context.Context, symbol string, activeOrders []exchange.ActiveOrder, tracker *position.Tracker) {
	if len(activeOrders) < m.tpsl.ThresholdCount {
		return
	}

	protected := protectedOrderIDs(tracker)
	maxAge := time.Duration(m.tpsl.MaxOrderAgeHours) * time.Hour
	now := time.Now()
	for _, o := range activeOrders {
		if protected[o.OrderID] {
			continue
		}
		if !isExitOrderType(o.Type) {
			continue
		}
		if now.Sub(o.CreatedAt) <= maxAge {
			continue
		}
		m.logger.Info("cancelling stale order over order-budget threshold", "order_id", o.OrderID, "age", now.Sub(o.CreatedAt))
		if _, err := m.client.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			m.logger.Error("failed to cancel stale order", "error", err, "order_id", o.OrderID)
		}
	}
}

// CleanupStaleExitOrders cancels active exit-side orders left over from a
// previous run (or a partial failure) before a new entry is placed, so a
// fresh TP/SL pair never shares the book with a stranded one. Cancellation
// failures are logged, never returned, since they must not block the entry
// that is about to be placed (spec.md §4.6.4).
func (m *TPSLManager) CleanupStaleExitOrders(ctx context.Context, symbol string, entrySide domain.Action, activeOrders []exchange.ActiveOrder, protected map[string]bool) {
	exitSide := entrySide.Opposite().String()
	for _, o := range activeOrders {
		if o.Side != exitSide || !isExitOrderType(o.Type) {
			continue
		}
		if protected[o.OrderID] {
			continue
		}
		m.logger.Info("cancelling stale exit order before new entry", "order_id", o.OrderID, "type", o.Type)
		if _, err := m.client.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			m.logger.Warn("failed to cancel stale exit order before entry", "error", err, "order_id", o.OrderID)
		}
	}
}

// EnsureCoverage is the heart of the lifecycle-management pass: for every
// real margin position, it sums the exit-side TP (limit) and SL (stop/
// stop_limit) order amounts still active and checks each leg covers at least
// 95% of the position. An under-covered side is recovered — any partially
// hedged VirtualPosition tracked for that side is dropped first, a fully
// hedged restored position is left alone, and missing legs are placed at the
// normal_range ratio defaults before the recovered VirtualPosition is
// adopted. If either leg still can't be placed, nothing partial is recorded;
// the gap is logged CRITICAL and retried on the next pass (spec.md §4.6.8,
// CORE-2, P1).
func (m *TPSLManager) EnsureCoverage(ctx context.Context, symbol string, tracker *position.Tracker) {
	positions, err := m.client.FetchMarginPositions(ctx, symbol)
	if err != nil {
		m.logger.Error("ensure coverage: failed to fetch margin positions", "error", err)
		return
	}
	activeOrders, err := m.client.FetchActiveOrders(ctx, symbol)
	if err != nil {
		m.logger.Error("ensure coverage: failed to fetch active orders", "error", err)
		return
	}

	for _, mp := range positions {
		if mp.Amount.IsZero() {
			continue
		}
		side := domain.ParseAction(mp.Side)
		tpCovered, slCovered := coverageSums(side, activeOrders)

		tpOK := isCovered(tpCovered, mp.Amount)
		slOK := isCovered(slCovered, mp.Amount)
		if m.metrics != nil {
			m.metrics.SetCoverageRatio(symbol+"_"+side.String()+"_tp", ratio(tpCovered, mp.Amount))
			m.metrics.SetCoverageRatio(symbol+"_"+side.String()+"_sl", ratio(slCovered, mp.Amount))
		}
		if tpOK && slOK {
			continue
		}

		current := tracker.Current()
		if current != nil && current.Side == side {
			if current.Restored && current.HasTPSL() {
				continue
			}
			tracker.Close()
		}

		m.recoverPosition(ctx, symbol, side, mp.Amount, mp.OpenPrice, tpCovered, slCovered, tracker)
	}
}

// recoverPosition places whichever of TP/SL is under-covered for a real
// position at the normal_range ratio defaults and, only if both legs end up
// satisfied, adopts it into the tracker as a recovered VirtualPosition. Used
// both by EnsureCoverage (side already tracked but under-hedged) and
// PositionRestorer.ScanOrphanPositions (side not tracked at all).
func (m *TPSLManager) recoverPosition(ctx context.Context, symbol string, side domain.Action, amount, entryPrice, tpCovered, slCovered decimal.Decimal, tracker *position.Tracker) {
	exitSide := side.Opposite()
	tpRatio, slRatio := m.regimeRatios("normal_range")

	pos := domain.VirtualPosition{Side: side, Amount: amount, EntryPrice: entryPrice, Timestamp: time.Now()}

	if isCovered(tpCovered, amount) {
		pos.TPOrderID = "existing"
	} else {
		tpPrice := recoveryPrice(side, entryPrice, tpRatio, true)
		candidate := domain.VirtualPosition{Side: side, Amount: amount, EntryPrice: entryPrice, TakeProfit: tpPrice}
		tpOrderID, err := m.placeTakeProfit(ctx, symbol, exitSide, candidate)
		if err != nil || tpOrderID == "" {
			m.logger.Error("CRITICAL: failed to recover missing take-profit coverage, leaving position untracked this cycle", "error", err, "symbol", symbol, "side", side.String())
			return
		}
		pos.TPOrderID = tpOrderID
		pos.TakeProfit = tpPrice
	}

	if isCovered(slCovered, amount) {
		pos.SLOrderID = "existing"
	} else {
		slPrice := recoveryPrice(side, entryPrice, slRatio, false)
		candidate := domain.VirtualPosition{Side: side, Amount: amount, EntryPrice: entryPrice, StopLoss: slPrice}
		slOrderID, err := m.closeOnBreach(ctx, symbol, side, exitSide, candidate)
		if err != nil || slOrderID == "" {
			m.logger.Error("CRITICAL: failed to recover missing stop-loss coverage, leaving position untracked this cycle", "error", err, "symbol", symbol, "side", side.String())
			return
		}
		pos.SLOrderID = slOrderID
		pos.StopLoss = slPrice
	}

	pos.Recovered = true
	tracker.Open(pos)
	m.logger.Info("recovered tp/sl coverage for position", "symbol", symbol, "side", side.String(), "tp_order_id", pos.TPOrderID, "sl_order_id", pos.SLOrderID)
}

func recoveryPrice(side domain.Action, entryPrice, ratio decimal.Decimal, takeProfit bool) decimal.Decimal {
	long := side == domain.ActionBuy
	if takeProfit == long {
		return entryPrice.Add(entryPrice.Mul(ratio))
	}
	return entryPrice.Sub(entryPrice.Mul(ratio))
}

func coverageSums(side domain.Action, activeOrders []exchange.ActiveOrder) (tpCovered, slCovered decimal.Decimal) {
	exitSide := side.Opposite().String()
	for _, o := range activeOrders {
		if o.Side != exitSide {
			continue
		}
		switch o.Type {
		case "limit":
			tpCovered = tpCovered.Add(o.RemainingAmount)
		case "stop", "stop_limit":
			slCovered = slCovered.Add(o.RemainingAmount)
		}
	}
	return tpCovered, slCovered
}

func isCovered(covered, total decimal.Decimal) bool {
	if total.IsZero() {
		return true
	}
	return covered.GreaterThanOrEqual(total.Mul(coverageThreshold))
}

func ratio(covered, total decimal.Decimal) float64 {
	if total.IsZero() {
		return 1
	}
	f, _ := covered.Div(total).Float64()
	return f
}

func isExitOrderType(orderType string) bool {
	return orderType == "limit" || orderType == "stop" || orderType == "stop_limit"
}

// protectedOrderIDs builds the set of order ids that must never be cancelled
// by a cleanup pass: the current position's live TP/SL legs, plus its entry
// order id if the position was restored from a prior run (restored positions
// have no TPSLManager-owned entry order to protect otherwise).
func protectedOrderIDs(tracker *position.Tracker) map[string]bool {
	protected := make(map[string]bool)
	pos := tracker.Current()
	if pos == nil {
		return protected
	}
	if pos.TPOrderID != "" {
		protected[pos.TPOrderID] = true
	}
	if pos.SLOrderID != "" {
		protected[pos.SLOrderID] = true
	}
	if pos.Restored && pos.OrderID != "" {
		protected[pos.OrderID] = true
	}
	return protected
}

func firstNonZero(values ...decimal.Decimal) decimal.Decimal {
	for _, v := range values {
		if !v.IsZero() {
			return v
		}
	}
	return decimal.Zero
}
