package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names, grounded on the teacher's pkg/telemetry/metrics.go naming
// convention but scoped to the position-lifecycle engine's own concerns.
const (
	MetricOrdersPlacedTotal = "bitbank_trader_orders_placed_total"
	MetricTPSLRetriesTotal  = "bitbank_trader_tp_sl_retries_total"
	MetricRollbackTotal     = "bitbank_trader_rollback_total"
	MetricOrphanSLTotal     = "bitbank_trader_orphan_sl_total"
	MetricDrawdownRatio     = "bitbank_trader_drawdown_ratio"
	MetricCoverageRatio     = "bitbank_trader_coverage_ratio"
)

// Metrics holds initialized instruments. Constructed once by the
// composition root (cmd/tradingbot) and passed into every component that
// emits a counter or gauge, never reached via a package-level global.
type Metrics struct {
	OrdersPlacedTotal metric.Int64Counter
	TPSLRetriesTotal  metric.Int64Counter
	RollbackTotal     metric.Int64Counter
	OrphanSLTotal     metric.Int64Counter

	mu              sync.RWMutex
	drawdownRatio   float64
	coverageRatio   map[string]float64

	DrawdownRatio metric.Float64ObservableGauge
	CoverageRatio metric.Float64ObservableGauge
}

// NewMetrics builds and registers all instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{coverageRatio: make(map[string]float64)}

	var err error
	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total atomic entries completed with their TP/SL legs"))
	if err != nil {
		return nil, err
	}
	m.TPSLRetriesTotal, err = meter.Int64Counter(MetricTPSLRetriesTotal, metric.WithDescription("Total failed maker take-profit attempts"))
	if err != nil {
		return nil, err
	}
	m.RollbackTotal, err = meter.Int64Counter(MetricRollbackTotal, metric.WithDescription("Total atomic-entry rollbacks"))
	if err != nil {
		return nil, err
	}
	m.OrphanSLTotal, err = meter.Int64Counter(MetricOrphanSLTotal, metric.WithDescription("Total orphan SL records recorded"))
	if err != nil {
		return nil, err
	}

	m.DrawdownRatio, err = meter.Float64ObservableGauge(MetricDrawdownRatio,
		metric.WithDescription("Current drawdown ratio (peak-current)/peak"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.drawdownRatio)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	m.CoverageRatio, err = meter.Float64ObservableGauge(MetricCoverageRatio,
		metric.WithDescription("TP/SL coverage ratio per symbol+side"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.coverageRatio {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol_side", key)))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// SetDrawdownRatio updates the observed drawdown gauge.
func (m *Metrics) SetDrawdownRatio(ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drawdownRatio = ratio
}

// SetCoverageRatio updates the observed coverage gauge for a symbol+side key.
func (m *Metrics) SetCoverageRatio(key string, ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coverageRatio[key] = ratio
}
