// Package orchestrator runs the single-threaded trading cycle: fetch market
// state, evaluate a strategy signal, execute if approved or conditional, then
// run periodic maintenance (fill reconciliation, TP/SL verification, coverage
// enforcement, orphan sweep, stale-order cleanup). This is grounded on the
// teacher's ticker+select runLoop idiom (Reconciler, OrderCleaner,
// RiskMonitor.reportLoop all share this shape), but deliberately does NOT
// adopt the teacher's per-symbol-goroutine SymbolManager model — there is
// exactly one market here and no concurrent symbol fan-out to coordinate.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/exchange"
	"bitbank-trader/internal/execution"
	"bitbank-trader/internal/logging"
	"bitbank-trader/internal/position"
	"bitbank-trader/internal/risk"
)

// StrategySignaler produces a trading Signal from current market data. The
// concrete strategy implementation is out of scope (spec.md §1 treats the
// signal source as a pluggable input); the orchestrator only needs this
// narrow seam.
type StrategySignaler interface {
	Signal(ctx context.Context, ticker exchange.Ticker, book exchange.OrderBook) (domain.Signal, error)
}

// Cycle runs the bot's single trading loop on a fixed interval.
type Cycle struct {
	client    exchange.Client
	signaler  StrategySignaler
	evaluator *risk.RiskEvaluator
	service   *execution.Service
	tpsl      *execution.TPSLManager
	tracker   *position.Tracker
	restorer  *execution.PositionRestorer
	logger    logging.ILogger
	symbol    string

	interval           time.Duration
	cleanupEvery       time.Duration
	orphanScanInterval time.Duration
	lastOrphanScan     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCycle wires the orchestrator from its dependencies. restorer may be nil
// (the orphan scan is then skipped); orphanScanInterval self-rate-limits
// PositionRestorer.ScanOrphanPositions independently of cleanupEvery, since
// spec.md §4.7.2 runs it on its own, coarser cadence.
func NewCycle(client exchange.Client, signaler StrategySignaler, evaluator *risk.RiskEvaluator, service *execution.Service, tpsl *execution.TPSLManager, tracker *position.Tracker, restorer *execution.PositionRestorer, symbol string, interval, cleanupEvery, orphanScanInterval time.Duration, logger logging.ILogger) *Cycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cycle{
		client: client, signaler: signaler, evaluator: evaluator, service: service, tpsl: tpsl,
		tracker: tracker, restorer: restorer,
		symbol: symbol, interval: interval, cleanupEvery: cleanupEvery, orphanScanInterval: orphanScanInterval,
		logger: logger.WithField("component", "orchestrator"),
		ctx:    ctx, cancel: cancel,
	}
}

// Start launches the cycle loop in a background goroutine.
func (c *Cycle) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop cancels the loop and waits for it to exit.
func (c *Cycle) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cycle) runLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(c.cleanupEvery)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			// Stop does not cancel in-flight exchange calls: the current cycle
			// runs to completion before the loop observes ctx.Done.
			if err := c.runOnce(context.WithoutCancel(c.ctx)); err != nil {
				c.logger.Error("trading cycle failed", "error", err)
			}
		case <-cleanupTicker.C:
			c.runMaintenance(context.WithoutCancel(c.ctx))
		}
	}
}

func (c *Cycle) runOnce(ctx context.Context) error {
	start := time.Now()

	ticker, err := c.client.FetchTicker(ctx, c.symbol)
	if err != nil {
		return err
	}
	book, err := c.client.FetchOrderBook(ctx, c.symbol)
	if err != nil {
		return err
	}

	mc := marketConditionsFrom(ticker, book)

	signal, err := c.signaler.Signal(ctx, ticker, book)
	if err != nil {
		return err
	}

	if signal.Action == domain.ActionHold {
		return nil
	}

	balances, err := c.client.FetchBalance(ctx)
	if err != nil {
		return err
	}
	equity := jpyEquity(balances)

	eval := c.evaluator.Evaluate(signal, mc, equity, time.Since(start))
	if eval.Decision != domain.DecisionApproved && eval.Decision != domain.DecisionConditional {
		c.logger.Info("trade not approved", "decision", eval.Decision.String(), "denial_reasons", eval.DenialReasons)
		return nil
	}

	_, err = c.service.Execute(ctx, eval)
	return err
}

func (c *Cycle) runMaintenance(ctx context.Context) {
	orders, err := c.client.FetchActiveOrders(ctx, c.symbol)
	if err != nil {
		c.logger.Error("failed to fetch active orders for maintenance", "error", err)
		return
	}
	c.service.ReconcileFills(ctx, orders)
	c.tpsl.VerifyPending(ctx, c.symbol, orders, c.tracker)
	c.tpsl.SweepOrphans(ctx, c.symbol, orders)
	c.tpsl.EnsureCoverage(ctx, c.symbol, c.tracker)
	c.tpsl.CancelStaleOrders(ctx, c.symbol, orders, c.tracker)

	if c.restorer != nil && time.Since(c.lastOrphanScan) >= c.orphanScanInterval {
		c.lastOrphanScan = time.Now()
		if err := c.restorer.ScanOrphanPositions(ctx, c.symbol, c.tpsl); err != nil {
			c.logger.Error("orphan position scan failed", "error", err)
		}
	}
}

func marketConditionsFrom(t exchange.Ticker, book exchange.OrderBook) domain.MarketConditions {
	spread := decimal.Zero
	if !t.Bid.IsZero() {
		spread = t.Ask.Sub(t.Bid).Div(t.Bid)
	}
	return domain.MarketConditions{Bid: t.Bid, Ask: t.Ask, SpreadPct: spread, Extra: make(map[string]decimal.Decimal)}
}

func jpyEquity(balances []exchange.Balance) decimal.Decimal {
	for _, b := range balances {
		if b.Currency == "jpy" {
			return b.Free.Add(b.Locked)
		}
	}
	return decimal.Zero
}
