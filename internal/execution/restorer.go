package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/exchange"
	"bitbank-trader/internal/logging"
	"bitbank-trader/internal/position"
)

// restoreBand is the tolerance (as a fraction of average entry price) within
// which an active order's trigger price must sit to be accepted as this
// position's TP or SL candidate on restore (spec.md §4.7.1): an order further
// away than this is someone else's leftover order, not this position's exit.
var restoreBand = decimal.NewFromFloat(0.03)

// PositionRestorer rebuilds in-memory position state from the exchange's
// margin positions and active orders, both once at startup (Restore) and
// periodically thereafter (ScanOrphanPositions), grounded on the teacher's
// Reconciler.Reconcile pass.
type PositionRestorer struct {
	client  exchange.Client
	tracker *position.Tracker
	logger  logging.ILogger
}

// NewPositionRestorer wires the restorer.
func NewPositionRestorer(client exchange.Client, tracker *position.Tracker, logger logging.ILogger) *PositionRestorer {
	return &PositionRestorer{client: client, tracker: tracker, logger: logger.WithField("component", "position_restorer")}
}

// Restore queries the exchange for an open margin position on symbol and, if
// found, reconstructs a VirtualPosition from it plus the first matching TP
// (exit-side limit) and SL (exit-side stop/stop_limit) order whose price
// sits within restoreBand of the average entry price — orders further out are
// ignored as unrelated leftovers. Restored positions are flagged Restored
// (not Recovered: nothing was placed, only discovered) so downstream code can
// distinguish "found at boot" from "opened this run" or "placed to fix a gap".
func (r *PositionRestorer) Restore(ctx context.Context, symbol string) error {
	positions, err := r.client.FetchMarginPositions(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch margin positions on restore: %w", err)
	}
	if len(positions) == 0 {
		r.logger.Info("no open position found on startup, starting flat")
		return nil
	}

	p := positions[0]
	side := domain.ParseAction(p.Side)
	pos := domain.VirtualPosition{
		Side:       side,
		Amount:     p.Amount,
		EntryPrice: p.OpenPrice,
		Timestamp:  time.Now(),
		Restored:   true,
	}

	activeOrders, err := r.client.FetchActiveOrders(ctx, symbol)
	if err != nil {
		r.logger.Warn("failed to fetch active orders during restore, TP/SL linkage unknown", "error", err)
	} else {
		exitSide := side.Opposite().String()
		lower := p.OpenPrice.Sub(p.OpenPrice.Mul(restoreBand))
		upper := p.OpenPrice.Add(p.OpenPrice.Mul(restoreBand))
		for _, o := range activeOrders {
			if o.Side != exitSide {
				continue
			}
			if o.Price.LessThan(lower) || o.Price.GreaterThan(upper) {
				continue
			}
			switch o.Type {
			case "limit":
				if pos.TPOrderID == "" {
					pos.TPOrderID = o.OrderID
					pos.TakeProfit = o.Price
				}
			case "stop", "stop_limit":
				if pos.SLOrderID == "" {
					pos.SLOrderID = o.OrderID
					pos.StopLoss = o.Price
				}
			}
		}
	}

	r.tracker.Open(pos)
	r.logger.Info("restored open position from exchange", "side", side.String(), "amount", pos.Amount.String(), "has_tpsl", pos.HasTPSL())
	return nil
}

// ScanOrphanPositions finds real margin positions with no matching tracked
// side — left behind by a crash mid-recovery, or opened outside this bot
// entirely — measures their TP/SL coverage, and either adopts them
// (tracking-only, tp_order_id/sl_order_id="existing") when already covered or
// recovers missing legs at the normal_range ratio defaults when not,
// delegating to TPSLManager.recoverPosition either way. A position whose
// average entry price can't be determined is logged CRITICAL and skipped;
// there is nothing to compute a recovery TP/SL from (spec.md §4.7.2).
func (r *PositionRestorer) ScanOrphanPositions(ctx context.Context, symbol string, tpsl *TPSLManager) error {
	positions, err := r.client.FetchMarginPositions(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch margin positions for orphan scan: %w", err)
	}
	activeOrders, err := r.client.FetchActiveOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch active orders for orphan scan: %w", err)
	}

	current := r.tracker.Current()
	for _, p := range positions {
		if p.Amount.IsZero() {
			continue
		}
		side := domain.ParseAction(p.Side)
		if current != nil && current.Side == side {
			continue
		}
		if p.OpenPrice.IsZero() {
			r.logger.Error("CRITICAL: orphan position has no determinable average price, manual intervention required", "symbol", symbol, "side", side.String())
			continue
		}

		tpCovered, slCovered := coverageSums(side, activeOrders)
		tpsl.recoverPosition(ctx, symbol, side, p.Amount, p.OpenPrice, tpCovered, slCovered, r.tracker)
	}
	return nil
}
