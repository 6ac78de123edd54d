package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
)

// AnomalyDetector watches spread, price movement and (when available)
// latency for the single btc_jpy market and raises {NORMAL,WARNING,CRITICAL}
// alerts, grounded on the teacher's RiskMonitor.checkAnomaly/calculateATR
// volume+price-drop combination, narrowed from a multi-symbol K-line stream
// down to the tick-by-tick ticker poll this bot actually has.
type AnomalyDetector struct {
	maxSpreadRatio     decimal.Decimal
	priceSpikeRatio    decimal.Decimal
	maxLatency         time.Duration
	window             []decimal.Decimal
	windowSize         int
	lastPrice          decimal.Decimal
}

// NewAnomalyDetector builds a detector with the given thresholds.
func NewAnomalyDetector(maxSpreadRatio, priceSpikeRatio decimal.Decimal, maxLatency time.Duration, windowSize int) *AnomalyDetector {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &AnomalyDetector{
		maxSpreadRatio:  maxSpreadRatio,
		priceSpikeRatio: priceSpikeRatio,
		maxLatency:      maxLatency,
		windowSize:      windowSize,
	}
}

// Check evaluates the current market snapshot against the rolling window and
// returns an Alert; Level is AlertNormal when nothing is wrong.
func (d *AnomalyDetector) Check(mc domain.MarketConditions, requestLatency time.Duration) domain.Alert {
	now := time.Now()

	if mc.SpreadPct.GreaterThan(d.maxSpreadRatio) {
		alert := domain.Alert{
			Timestamp: now, Kind: "spread", Level: domain.AlertWarning,
			Value: mc.SpreadPct, Threshold: d.maxSpreadRatio,
			Message: fmt.Sprintf("spread %.4f%% exceeds max %.4f%%", mc.SpreadPct.InexactFloat64()*100, d.maxSpreadRatio.InexactFloat64()*100),
		}
		d.pushPrice(mc.Ask)
		return alert
	}

	if requestLatency > d.maxLatency && d.maxLatency > 0 {
		alert := domain.Alert{
			Timestamp: now, Kind: "latency", Level: domain.AlertWarning,
			Message: fmt.Sprintf("exchange latency %s exceeds max %s", requestLatency, d.maxLatency),
		}
		d.pushPrice(mc.Ask)
		return alert
	}

	if !d.lastPrice.IsZero() {
		mid := mc.Bid.Add(mc.Ask).Div(decimal.NewFromInt(2))
		move := mid.Sub(d.lastPrice).Abs().Div(d.lastPrice)
		if move.GreaterThan(d.priceSpikeRatio) {
			alert := domain.Alert{
				Timestamp: now, Kind: "price_spike", Level: domain.AlertCritical,
				Value: move, Threshold: d.priceSpikeRatio,
				Message:            fmt.Sprintf("price moved %.4f%% since last tick, exceeds %.4f%%", move.InexactFloat64()*100, d.priceSpikeRatio.InexactFloat64()*100),
				ShouldPauseTrading: true,
			}
			d.pushPrice(mid)
			return alert
		}
		d.pushPrice(mid)
	} else {
		d.pushPrice(mc.Bid.Add(mc.Ask).Div(decimal.NewFromInt(2)))
	}

	return domain.Alert{Timestamp: now, Kind: "none", Level: domain.AlertNormal}
}

func (d *AnomalyDetector) pushPrice(p decimal.Decimal) {
	d.lastPrice = p
	d.window = append(d.window, p)
	if len(d.window) > d.windowSize {
		d.window = d.window[len(d.window)-d.windowSize:]
	}
}
