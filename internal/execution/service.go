package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/alerting"
	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/exchange"
	"bitbank-trader/internal/logging"
	"bitbank-trader/internal/position"
	"bitbank-trader/internal/risk"
	"bitbank-trader/pkg/tradingutils"
)

// TradeHistoryRecorder is the subset of TradeHistoryStore that Service needs,
// kept as an interface so tests can run without a sqlite file and
// Service.history can be left nil in deployments that don't care about
// durable Kelly history across restarts.
type TradeHistoryRecorder interface {
	Append(ctx context.Context, result domain.TradeResult) error
}

// Service is the single entry point the orchestrator calls once per cycle:
// given an approved (or conditional) TradeEvaluation, it dispatches by
// execution mode (spec.md §4.8.1) — backtest synthesizes a fill with no
// network calls, paper simulates a fill and still tracks a VirtualPosition,
// live runs the full pre-entry cleanup + atomic-entry protocol — and applies
// the resulting position to the tracker, mirroring the teacher's
// SuperPositionManager.ApplyActionResults boundary between "decide what to
// do" and "apply the outcome to state".
type Service struct {
	client   exchange.Client
	decider  *OrderStrategyDecider
	tpsl     *TPSLManager
	tracker  *position.Tracker
	sizer    *risk.PositionSizer
	drawdown *risk.DrawdownManager
	alerts   alerting.AlertSink
	logger   logging.ILogger
	symbol   string

	mode          domain.Mode
	minTradeSize  decimal.Decimal
	dynamicSizing bool

	makerFeeRate decimal.Decimal
	takerFeeRate decimal.Decimal

	history TradeHistoryRecorder

	syntheticSeq int64
}

// SetHistory attaches a durable trade-history recorder. Optional: left nil,
// Close still records into the in-memory PositionSizer/DrawdownManager, it
// just won't survive a restart.
func (s *Service) SetHistory(h TradeHistoryRecorder) {
	s.history = h
}

// NewService wires the execution service from its dependencies. Fee rates
// are used to compute net-of-fee PnL on close (CalculateNetProfit); the
// emergency/manual close path always crosses the spread with a market
// order, so both legs are costed at the taker rate. mode selects the
// backtest/paper/live dispatch in Execute; minTradeSize/dynamicSizing
// implement the position-size floor spec.md §4.8.1 step 4 (B1) describes.
func NewService(client exchange.Client, decider *OrderStrategyDecider, tpsl *TPSLManager, tracker *position.Tracker, sizer *risk.PositionSizer, drawdown *risk.DrawdownManager, alerts alerting.AlertSink, logger logging.ILogger, symbol string, makerFeeRate, takerFeeRate decimal.Decimal, mode domain.Mode, minTradeSize decimal.Decimal, dynamicSizing bool) *Service {
	return &Service{
		client: client, decider: decider, tpsl: tpsl, tracker: tracker,
		sizer: sizer, drawdown: drawdown, alerts: alerts,
		logger: logger.WithField("component", "execution_service"), symbol: symbol,
		makerFeeRate: makerFeeRate, takerFeeRate: takerFeeRate,
		mode: mode, minTradeSize: minTradeSize, dynamicSizing: dynamicSizing,
	}
}

// Execute enters a new position for an approved or conditional evaluation. A
// hold/no-op signal that reaches here (defensive — the orchestrator already
// filters on Decision) short-circuits to a no-op CANCELLED result rather than
// attempting to trade.
func (s *Service) Execute(ctx context.Context, eval domain.TradeEvaluation) (domain.ExecutionResult, error) {
	if eval.Side == domain.ActionHold {
		return domain.ExecutionResult{Success: true, Status: domain.StatusCancelled}, nil
	}
	if s.tracker.HasOpenPosition() {
		return domain.ExecutionResult{Success: false, Status: domain.StatusRejected, Error: "position already open"}, fmt.Errorf("position already open")
	}

	if s.dynamicSizing && eval.PositionSize.LessThan(s.minTradeSize) {
		eval.PositionSize = s.minTradeSize
	}

	switch s.mode {
	case domain.ModeBacktest:
		return s.executeBacktest(eval)
	case domain.ModePaper:
		return s.executePaper(ctx, eval)
	default:
		return s.executeLive(ctx, eval)
	}
}

// executeBacktest synthesizes a fill at the evaluation's entry price with no
// fee and no network call, so a backtest run never touches the exchange.
func (s *Service) executeBacktest(eval domain.TradeEvaluation) (domain.ExecutionResult, error) {
	s.syntheticSeq++
	orderID := fmt.Sprintf("backtest_%d", s.syntheticSeq)
	pos := domain.VirtualPosition{
		OrderID: orderID, Side: eval.Side, Amount: eval.PositionSize, EntryPrice: eval.EntryPrice,
		Timestamp: time.Now(), TakeProfit: eval.TakeProfit, StopLoss: eval.StopLoss,
	}
	s.tracker.Open(pos)
	return domain.ExecutionResult{Success: true, Status: domain.StatusFilled, Price: eval.EntryPrice, Amount: eval.PositionSize, OrderID: orderID}, nil
}

// executePaper simulates a fill (entry_price if known, else a live ticker
// fetch) and still tracks a VirtualPosition, so paper mode exercises the same
// reconciliation/maintenance machinery a live run does without ever placing
// an order.
func (s *Service) executePaper(ctx context.Context, eval domain.TradeEvaluation) (domain.ExecutionResult, error) {
	price := eval.EntryPrice
	if price.IsZero() {
		ticker, err := s.client.FetchTicker(ctx, s.symbol)
		if err != nil {
			s.logger.Warn("paper execution: ticker fetch failed, falling back to market conditions", "error", err)
			price = eval.MarketConditions.Ask
		} else {
			price = ticker.Last
		}
	}

	s.syntheticSeq++
	orderID := fmt.Sprintf("paper_%d", s.syntheticSeq)
	pos := domain.VirtualPosition{
		OrderID: orderID, Side: eval.Side, Amount: eval.PositionSize, EntryPrice: price,
		Timestamp: time.Now(), TakeProfit: eval.TakeProfit, StopLoss: eval.StopLoss,
	}
	s.tracker.Open(pos)
	s.alerts.SendInfo("paper position opened", map[string]interface{}{
		"side": pos.Side.String(), "amount": pos.Amount.String(), "entry_price": pos.EntryPrice.String(),
	})
	return domain.ExecutionResult{Success: true, Status: domain.StatusFilled, Price: price, Amount: pos.Amount, OrderID: orderID}, nil
}

// executeLive cleans up any stale exit-side orders left over from a previous
// run, decides an order strategy, and runs the atomic entry protocol.
func (s *Service) executeLive(ctx context.Context, eval domain.TradeEvaluation) (domain.ExecutionResult, error) {
	if activeOrders, err := s.client.FetchActiveOrders(ctx, s.symbol); err != nil {
		s.logger.Warn("pre-entry cleanup: failed to fetch active orders", "error", err)
	} else {
		s.tpsl.CleanupStaleExitOrders(ctx, s.symbol, eval.Side, activeOrders, s.protectedOrderIDs())
	}

	plan := s.decider.Decide(eval, eval.MarketConditions.Bid, eval.MarketConditions.Ask)

	result, pos, err := s.tpsl.RunAtomicEntry(ctx, s.symbol, eval, plan)
	if err != nil {
		s.alerts.SendCritical("entry failed", map[string]interface{}{"error": err.Error(), "side": eval.Side.String()})
		return result, err
	}

	s.tracker.Open(pos)
	s.alerts.SendInfo("position opened", map[string]interface{}{
		"side": pos.Side.String(), "amount": pos.Amount.String(), "entry_price": pos.EntryPrice.String(),
		"has_tpsl": pos.HasTPSL(),
	})
	return result, nil
}

// protectedOrderIDs returns the order ids pre-entry cleanup must not cancel:
// the currently tracked position's live TP/SL legs and, if restored, its
// entry order.
func (s *Service) protectedOrderIDs() map[string]bool {
	return protectedOrderIDs(s.tracker)
}

// ReconcileFills checks whether the tracked position's take-profit or
// stop-loss leg has disappeared from the exchange's active-order list
// (Bitbank drops an order from /user/spot/active_orders the moment it fills,
// same as a cancel), and if so treats the position as closed by that leg:
// cancels the other leg, records PnL net of fees, and flattens the tracker.
// This is the maintenance-cycle counterpart to Close's manual/emergency exit.
func (s *Service) ReconcileFills(ctx context.Context, activeOrders []exchange.ActiveOrder) {
	pos := s.tracker.Current()
	if pos == nil || !pos.HasTPSL() {
		return
	}

	active := make(map[string]bool, len(activeOrders))
	for _, o := range activeOrders {
		active[o.OrderID] = true
	}

	tpFilled := !active[pos.TPOrderID]
	slFilled := !active[pos.SLOrderID]
	if !tpFilled && !slFilled {
		return
	}
	if tpFilled && slFilled {
		// Exchange cancelled or filled both legs between polls; nothing
		// coherent to reconcile as a single fill, leave it for
		// PositionRestorer's next reconciliation pass.
		return
	}

	var exitPrice decimal.Decimal
	var feeRate decimal.Decimal
	var leg string
	if tpFilled {
		exitPrice, feeRate, leg = pos.TakeProfit, s.makerFeeRate, "take_profit"
		if _, err := s.client.CancelOrder(ctx, s.symbol, pos.SLOrderID); err != nil {
			s.logger.Warn("failed to cancel stop-loss after take-profit fill", "error", err, "sl_order_id", pos.SLOrderID)
		}
	} else {
		exitPrice, feeRate, leg = pos.StopLoss, s.takerFeeRate, "stop_loss"
		if _, err := s.client.CancelOrder(ctx, s.symbol, pos.TPOrderID); err != nil {
			s.logger.Warn("failed to cancel take-profit after stop-loss fill", "error", err, "tp_order_id", pos.TPOrderID)
		}
	}

	var pnl decimal.Decimal
	if pos.Side == domain.ActionBuy {
		pnl = tradingutils.CalculateNetProfit(pos.EntryPrice, exitPrice, pos.Amount, feeRate, feeRate)
	} else {
		pnl = tradingutils.CalculateNetProfit(exitPrice, pos.EntryPrice, pos.Amount, feeRate, feeRate)
	}

	tradeResult := domain.TradeResult{PnL: pnl, IsWin: pnl.IsPositive(), Timestamp: time.Now()}
	s.sizer.RecordResult(tradeResult)
	s.drawdown.RecordTradeResult(tradeResult)
	if s.history != nil {
		if err := s.history.Append(ctx, tradeResult); err != nil {
			s.logger.Warn("failed to persist trade history", "error", err)
		}
	}

	s.tracker.Close()
	s.alerts.SendInfo("position closed by exit fill", map[string]interface{}{"leg": leg, "pnl": pnl.String()})
}

// Close unwinds the current open position with a market order, used for
// emergency exits (anomaly pause) and manual intervention.
func (s *Service) Close(ctx context.Context, reason string) (domain.ExecutionResult, error) {
	pos := s.tracker.Current()
	if pos == nil {
		return domain.ExecutionResult{Success: true, Status: domain.StatusFilled}, nil
	}

	s.tpsl.CancelPositionOrders(ctx, s.symbol, *pos)

	exitSide := pos.Side.Opposite()
	result, err := s.client.CreateOrder(ctx, exchange.CreateOrderRequest{Symbol: s.symbol, Side: exitSide.String(), Type: "market", Amount: pos.Amount, IsClosingOrder: true})
	if err != nil {
		s.alerts.SendCritical("close failed", map[string]interface{}{"error": err.Error(), "reason": reason})
		return domain.ExecutionResult{Success: false, Status: domain.StatusFailed, Error: err.Error()}, err
	}

	var pnl decimal.Decimal
	if pos.Side == domain.ActionBuy {
		pnl = tradingutils.CalculateNetProfit(pos.EntryPrice, result.AvgPrice, pos.Amount, s.takerFeeRate, s.takerFeeRate)
	} else {
		pnl = tradingutils.CalculateNetProfit(result.AvgPrice, pos.EntryPrice, pos.Amount, s.takerFeeRate, s.takerFeeRate)
	}
	tradeResult := domain.TradeResult{PnL: pnl, IsWin: pnl.IsPositive(), Timestamp: time.Now()}
	s.sizer.RecordResult(tradeResult)
	s.drawdown.RecordTradeResult(tradeResult)
	if s.history != nil {
		if err := s.history.Append(ctx, tradeResult); err != nil {
			s.logger.Warn("failed to persist trade history", "error", err)
		}
	}

	s.tracker.Close()
	s.alerts.SendInfo("position closed", map[string]interface{}{"reason": reason, "pnl": pnl.String()})

	return domain.ExecutionResult{Success: true, Status: domain.StatusFilled, Price: result.Price, Amount: pos.Amount, OrderID: result.OrderID}, nil
}
